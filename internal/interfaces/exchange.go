package interfaces

import (
	"context"
	"time"

	"llm-crypto-trader/internal/types"
)

// Exchange is the venue contract the core consumes. Implementations classify
// their errors with exchange.Classify semantics.
type Exchange interface {
	Candles(ctx context.Context, pair string, interval time.Duration, since int64) ([]types.Candle, error)
	Ticker(ctx context.Context, pair string) (types.Ticker, error)
	Balances(ctx context.Context) (map[string]types.Balance, error)
	OpenOrders(ctx context.Context) ([]types.ExchangeOrder, error)
	SubmitOrder(ctx context.Context, req types.OrderRequest) (types.ExchangeOrder, error)
	CancelOrder(ctx context.Context, exchangeID string) error
	// LookupOrder finds an order by client correlation id, open or closed.
	LookupOrder(ctx context.Context, correlationID string) (types.ExchangeOrder, error)
}
