// Package paper simulates order execution for DRY_RUN. Market data comes from
// a real exchange; orders fill against its ticker and never leave the process.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/exchange"
	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/types"
)

type Exchange struct {
	market  interfaces.Exchange
	feeRate decimal.Decimal
	now     func() time.Time

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string]*types.ExchangeOrder
	byCID    map[string]string
	seq      int
}

var _ interfaces.Exchange = (*Exchange)(nil)

func New(market interfaces.Exchange, feeRate decimal.Decimal) *Exchange {
	return &Exchange{
		market:   market,
		feeRate:  feeRate,
		now:      time.Now,
		balances: map[string]decimal.Decimal{},
		orders:   map[string]*types.ExchangeOrder{},
		byCID:    map[string]string{},
	}
}

// Fund credits a simulated balance.
func (e *Exchange) Fund(asset string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = e.balances[asset].Add(amount)
}

func (e *Exchange) Candles(ctx context.Context, pair string, interval time.Duration, since int64) ([]types.Candle, error) {
	return e.market.Candles(ctx, pair, interval, since)
}

func (e *Exchange) Ticker(ctx context.Context, pair string) (types.Ticker, error) {
	return e.market.Ticker(ctx, pair)
}

func (e *Exchange) Balances(ctx context.Context) (map[string]types.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.Balance, len(e.balances))
	for asset, total := range e.balances {
		locked := decimal.Zero
		for _, o := range e.orders {
			if o.Status.Terminal() {
				continue
			}
			base, quote, _ := types.SplitPair(o.Pair)
			rem := o.Qty.Sub(o.FilledQty)
			if o.Side == types.SideBuy && asset == quote {
				locked = locked.Add(rem.Mul(o.Price))
			} else if o.Side == types.SideSell && asset == base {
				locked = locked.Add(rem)
			}
		}
		out[asset] = types.Balance{Asset: asset, Total: total, Locked: locked, Available: total.Sub(locked)}
	}
	return out, nil
}

// OpenOrders first tries to fill resting limit orders against the current ticker.
func (e *Exchange) OpenOrders(ctx context.Context) ([]types.ExchangeOrder, error) {
	for _, pair := range e.restingPairs() {
		t, err := e.market.Ticker(ctx, pair)
		if err != nil {
			return nil, err
		}
		e.matchResting(ctx, pair, t)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.ExchangeOrder
	for _, o := range e.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeID < out[j].ExchangeID })
	return out, nil
}

func (e *Exchange) restingPairs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := map[string]bool{}
	var pairs []string
	for _, o := range e.orders {
		if !o.Status.Terminal() && !seen[o.Pair] {
			seen[o.Pair] = true
			pairs = append(pairs, o.Pair)
		}
	}
	sort.Strings(pairs)
	return pairs
}

func (e *Exchange) matchResting(ctx context.Context, pair string, t types.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.Pair != pair || o.Status.Terminal() {
			continue
		}
		if px, ok := marketable(o.Side, o.Price, t); ok {
			if err := e.fill(o, o.Price); err != nil {
				logger.Warn(ctx, "Paper limit order could not fill", "exchange_id", o.ExchangeID, "price", px, "error", err)
			}
		}
	}
}

func marketable(side types.Side, limit decimal.Decimal, t types.Ticker) (decimal.Decimal, bool) {
	if side == types.SideBuy {
		px := refPrice(t.Ask, t.Last)
		return px, px.IsPositive() && px.LessThanOrEqual(limit)
	}
	px := refPrice(t.Bid, t.Last)
	return px, px.IsPositive() && px.GreaterThanOrEqual(limit)
}

func refPrice(side, last decimal.Decimal) decimal.Decimal {
	if side.IsPositive() {
		return side
	}
	return last
}

// SubmitOrder is idempotent on the correlation id.
func (e *Exchange) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
	e.mu.Lock()
	if id, ok := e.byCID[req.CorrelationID]; ok {
		o := *e.orders[id]
		e.mu.Unlock()
		return o, nil
	}
	e.mu.Unlock()

	if !req.Qty.IsPositive() {
		return types.ExchangeOrder{}, fmt.Errorf("%w: EGeneral:Invalid arguments:volume", exchange.ErrFatal)
	}
	t, err := e.market.Ticker(ctx, req.Pair)
	if err != nil {
		return types.ExchangeOrder{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	o := &types.ExchangeOrder{
		ExchangeID:    fmt.Sprintf("PAPER-%06d", e.seq),
		CorrelationID: req.CorrelationID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Price:         req.Price,
		Status:        types.StatusAccepted,
		OpenedAt:      e.now().UTC(),
	}

	px, ok := marketable(req.Side, req.Price, t)
	if req.Type == types.OrderTypeMarket {
		ok = px.IsPositive()
	} else {
		px = req.Price
	}
	if ok {
		if err := e.fill(o, px); err != nil {
			return types.ExchangeOrder{}, err
		}
	}
	e.orders[o.ExchangeID] = o
	e.byCID[o.CorrelationID] = o.ExchangeID
	return *o, nil
}

func (e *Exchange) fill(o *types.ExchangeOrder, px decimal.Decimal) error {
	base, quote, ok := types.SplitPair(o.Pair)
	if !ok {
		return fmt.Errorf("%w: EQuery:Unknown asset pair", exchange.ErrFatal)
	}
	qty := o.Qty.Sub(o.FilledQty)
	cost := qty.Mul(px)
	fee := cost.Mul(e.feeRate)
	if o.Side == types.SideBuy {
		if e.balances[quote].LessThan(cost.Add(fee)) {
			return fmt.Errorf("%w: EOrder:Insufficient funds", exchange.ErrFatal)
		}
		e.balances[quote] = e.balances[quote].Sub(cost).Sub(fee)
		e.balances[base] = e.balances[base].Add(qty)
	} else {
		if e.balances[base].LessThan(qty) {
			return fmt.Errorf("%w: EOrder:Insufficient funds", exchange.ErrFatal)
		}
		e.balances[base] = e.balances[base].Sub(qty)
		e.balances[quote] = e.balances[quote].Add(cost).Sub(fee)
	}
	o.FilledQty = o.Qty
	o.FilledCost = o.FilledCost.Add(cost)
	o.Fee = o.Fee.Add(fee)
	o.Status = types.StatusFilled
	return nil
}

func (e *Exchange) CancelOrder(ctx context.Context, exchangeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeID]
	if !ok {
		return fmt.Errorf("%w: EOrder:Unknown order", exchange.ErrNotFound)
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = types.StatusCancelled
	return nil
}

func (e *Exchange) LookupOrder(ctx context.Context, correlationID string) (types.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byCID[correlationID]
	if !ok {
		return types.ExchangeOrder{}, fmt.Errorf("%w: cl_ord_id %s", exchange.ErrNotFound, correlationID)
	}
	return *e.orders[id], nil
}
