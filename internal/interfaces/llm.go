package interfaces

import "context"

// LLM is a raw text completion client. Response validation belongs to the caller.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
