// Package execution turns risk-approved intents into exchange orders and keeps
// the ledger honest against the exchange. It is the ledger's only writer.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/exchange"
	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/notify"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

var (
	ErrReconciliationStale = errors.New("reconciliation failed, ledger stale")
	ErrOrderRejected       = errors.New("order rejected by exchange")
	ErrOrderUnknown        = errors.New("order state unknown")
)

// Recorder persists discrepancies. The audit log implements it.
type Recorder interface {
	Discrepancy(ctx context.Context, d types.Discrepancy) error
}

type nopRecorder struct{}

func (nopRecorder) Discrepancy(context.Context, types.Discrepancy) error { return nil }

type Config struct {
	// Timeout bounds each exchange call.
	Timeout      time.Duration
	OrderTTL     time.Duration
	MaxResubmits int
	Tolerance    decimal.Decimal
	// Pairs limits orphan adoption. Empty adopts every pair.
	Pairs []string
	Retry Policy
}

func ConfigFrom(cfg *store.Config, pairs []string) Config {
	return Config{
		Timeout:      cfg.ExchangeTimeout(),
		OrderTTL:     cfg.OrderTTL(),
		MaxResubmits: cfg.Reconcile.MaxResubmits,
		Tolerance:    decimal.NewFromFloat(cfg.Reconcile.Tolerance),
		Pairs:        pairs,
		Retry:        PolicyFrom(cfg),
	}
}

type Engine struct {
	ex     interfaces.Exchange
	ledger *ledger.Ledger
	pub    notify.Publisher
	rec    Recorder
	cfg    Config
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex
	inflight map[string]struct{}

	// one reconciliation pass at a time
	reconcileMu sync.Mutex
}

func New(ex interfaces.Exchange, l *ledger.Ledger, pub notify.Publisher, rec Recorder, cfg Config) *Engine {
	if pub == nil {
		pub = notify.Nop{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Engine{
		ex:       ex,
		ledger:   l,
		pub:      pub,
		rec:      rec,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		inflight: map[string]struct{}{},
	}
}

// Submit records a Pending order and sends it to the exchange. The returned
// order is the ledger's view after the attempt, also when err is non-nil.
func (e *Engine) Submit(ctx context.Context, in types.OrderIntent) (types.Order, error) {
	o := types.Order{
		CorrelationID: e.newID(),
		Pair:          in.Pair,
		Side:          in.Side,
		Type:          in.Type,
		RequestedQty:  in.Qty,
		Price:         in.Price,
		Status:        types.StatusPending,
		DecisionID:    in.DecisionID,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.ledger.Track(o); err != nil {
		return o, fmt.Errorf("track order: %w", err)
	}
	o, _ = e.ledger.Order(o.CorrelationID)
	e.pub.Publish(notify.OrderChanged(o, "", "order created"))
	return e.send(ctx, o)
}

func (e *Engine) send(ctx context.Context, o types.Order) (types.Order, error) {
	e.setInflight(o.CorrelationID, true)
	defer e.setInflight(o.CorrelationID, false)

	req := types.OrderRequest{
		CorrelationID: o.CorrelationID,
		Pair:          o.Pair,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.RequestedQty.Sub(o.FilledQty),
		Price:         o.Price,
	}

	var placed types.ExchangeOrder
	attempts, err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := e.callCtx(ctx)
		defer cancel()
		var err error
		placed, err = e.ex.SubmitOrder(cctx, req)
		return err
	}, exchange.Classify)

	// Whatever happened to the cycle, the outcome must reach the ledger and audit.
	dctx := context.WithoutCancel(ctx)

	if err == nil {
		u := placed.Update()
		u.CorrelationID = o.CorrelationID
		if u.Status == "" || u.Status == types.StatusPending {
			u.Status = types.StatusAccepted
		}
		next, aerr := e.ledger.Apply(u)
		if aerr != nil {
			e.applyFailed(dctx, o, aerr)
			return next, aerr
		}
		logger.Trade(dctx, o.Pair, string(o.Side), next.FilledQty.String(), next.FilledCost.String(), o.CorrelationID,
			"status", next.Status, "exchange_id", next.ExchangeID, "attempts", attempts)
		e.pub.Publish(notify.OrderChanged(next, o.Status, "exchange confirmed"))
		return next, nil
	}

	class := exchange.Classify(err)
	if class == exchange.ClassFatal && ctx.Err() == nil {
		next, terr := e.ledger.Transition(o.CorrelationID, types.StatusRejected, err.Error())
		if terr != nil {
			return next, errors.Join(err, terr)
		}
		logger.ErrorWithErr(dctx, "Order rejected by exchange", err, "pair", o.Pair, "correlation_id", o.CorrelationID)
		e.pub.Publish(notify.OrderChanged(next, o.Status, err.Error()))
		e.pub.Publish(notify.Fatal(o.Pair, err, e.now().UTC()))
		return next, fmt.Errorf("%w: %w", ErrOrderRejected, err)
	}

	reason := fmt.Sprintf("%s after %d attempt(s): %v", class, attempts, err)
	if ctx.Err() != nil {
		reason = "cycle cancelled: " + err.Error()
	}
	next, terr := e.ledger.Transition(o.CorrelationID, types.StatusUnknown, reason)
	if terr != nil {
		return next, errors.Join(err, terr)
	}
	logger.Warn(dctx, "Order outcome unknown, deferring to reconciliation",
		"pair", o.Pair, "correlation_id", o.CorrelationID, "class", class, "error", err)
	e.pub.Publish(notify.OrderChanged(next, o.Status, reason))
	return next, fmt.Errorf("%w: %w", ErrOrderUnknown, err)
}

// applyFailed handles a confirmed order whose fill the ledger refused. The
// ledger has marked itself stale; the next reconciliation resets balances.
func (e *Engine) applyFailed(ctx context.Context, o types.Order, err error) {
	logger.ErrorWithErr(ctx, "Ledger refused exchange update", err, "pair", o.Pair, "correlation_id", o.CorrelationID)
	if errors.Is(err, ledger.ErrBalanceDiverged) {
		e.discrepancy(ctx, types.Discrepancy{
			Kind:          types.DiscrepancyDiverged,
			Pair:          o.Pair,
			CorrelationID: o.CorrelationID,
			Local:         string(o.Status),
			Exchange:      "filled",
			Detail:        err.Error(),
		})
		return
	}
	e.pub.Publish(notify.Fatal(o.Pair, err, e.now().UTC()))
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) setInflight(id string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.inflight[id] = struct{}{}
	} else {
		delete(e.inflight, id)
	}
}

func (e *Engine) isInflight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// InFlight reports how many submissions are waiting on the exchange.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Engine) discrepancy(ctx context.Context, d types.Discrepancy) {
	if d.At.IsZero() {
		d.At = e.now().UTC()
	}
	if err := e.rec.Discrepancy(ctx, d); err != nil {
		logger.ErrorWithErr(ctx, "Failed to audit discrepancy", err, "kind", d.Kind, "correlation_id", d.CorrelationID)
	}
	logger.Warn(ctx, "Reconciliation discrepancy", "kind", d.Kind, "pair", d.Pair,
		"correlation_id", d.CorrelationID, "asset", d.Asset, "local", d.Local, "exchange", d.Exchange)
	e.pub.Publish(notify.DiscrepancyFound(d))
}
