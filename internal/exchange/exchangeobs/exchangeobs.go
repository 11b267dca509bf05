package exchangeobs

import (
	"context"
	"time"

	"llm-crypto-trader/internal/exchange"
	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/trace"
	"llm-crypto-trader/internal/types"
)

// observableExchange wraps an Exchange with observability (logging & tracing)
type observableExchange struct {
	ex   interfaces.Exchange
	name string
}

// Compile-time interface check
var _ interfaces.Exchange = (*observableExchange)(nil)

// Wrap wraps an exchange with observability middleware
func Wrap(ex interfaces.Exchange, name string) interfaces.Exchange {
	return &observableExchange{ex: ex, name: name}
}

// Candles fetches candles with observability
func (o *observableExchange) Candles(ctx context.Context, pair string, interval time.Duration, since int64) ([]types.Candle, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Candles")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching candles", "exchange", o.name, "pair", pair, "interval", interval, "since", since)

	candles, err := o.ex.Candles(ctx, pair, interval, since)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch candles", err, "exchange", o.name, "pair", pair, "class", exchange.Classify(err))
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Candles fetched successfully", "pair", pair, "count", len(candles))
	return candles, nil
}

func (o *observableExchange) Ticker(ctx context.Context, pair string) (types.Ticker, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Ticker")
	defer span.End()

	t, err := o.ex.Ticker(ctx, pair)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch ticker", err, "exchange", o.name, "pair", pair, "class", exchange.Classify(err))
		return types.Ticker{}, err
	}

	logger.DebugSkip(ctx, 1, "Ticker fetched", "pair", pair, "last", t.Last, "bid", t.Bid, "ask", t.Ask)
	return t, nil
}

func (o *observableExchange) Balances(ctx context.Context) (map[string]types.Balance, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Balances")
	defer span.End()

	bal, err := o.ex.Balances(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch balances", err, "exchange", o.name, "class", exchange.Classify(err))
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Balances fetched", "assets", len(bal))
	return bal, nil
}

func (o *observableExchange) OpenOrders(ctx context.Context) ([]types.ExchangeOrder, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.OpenOrders")
	defer span.End()

	orders, err := o.ex.OpenOrders(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch open orders", err, "exchange", o.name, "class", exchange.Classify(err))
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Open orders fetched", "count", len(orders))
	return orders, nil
}

// SubmitOrder places an order with observability
func (o *observableExchange) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.SubmitOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Submitting order",
		"exchange", o.name,
		"pair", req.Pair,
		"side", req.Side,
		"type", req.Type,
		"qty", req.Qty,
		"correlation_id", req.CorrelationID,
	)

	start := time.Now()
	resp, err := o.ex.SubmitOrder(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to submit order", err,
			"pair", req.Pair,
			"correlation_id", req.CorrelationID,
			"class", exchange.Classify(err),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return types.ExchangeOrder{}, err
	}

	logger.InfoSkip(ctx, 1, "Order submitted",
		"pair", req.Pair,
		"exchange_id", resp.ExchangeID,
		"status", resp.Status,
		"correlation_id", req.CorrelationID,
	)
	return resp, nil
}

func (o *observableExchange) CancelOrder(ctx context.Context, exchangeID string) error {
	ctx, span := trace.StartSpan(ctx, "exchange.CancelOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Cancelling order", "exchange", o.name, "exchange_id", exchangeID)
	if err := o.ex.CancelOrder(ctx, exchangeID); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel order", err, "exchange_id", exchangeID, "class", exchange.Classify(err))
		return err
	}
	return nil
}

func (o *observableExchange) LookupOrder(ctx context.Context, correlationID string) (types.ExchangeOrder, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.LookupOrder")
	defer span.End()

	ord, err := o.ex.LookupOrder(ctx, correlationID)
	if err != nil {
		// not found is an expected answer during recovery
		if exchange.Classify(err) == exchange.ClassNotFound {
			logger.InfoSkip(ctx, 1, "Order not known to exchange", "correlation_id", correlationID)
		} else {
			logger.ErrorWithErrSkip(ctx, 1, "Failed to look up order", err, "correlation_id", correlationID)
		}
		return types.ExchangeOrder{}, err
	}

	logger.DebugSkip(ctx, 1, "Order looked up", "correlation_id", correlationID, "exchange_id", ord.ExchangeID, "status", ord.Status)
	return ord, nil
}
