package interfaces

import "context"

// Headlines supplies recent news titles for a pair. It never fails: an
// unavailable source yields no headlines.
type Headlines interface {
	Headlines(ctx context.Context, pair string) []string
}
