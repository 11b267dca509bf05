package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-crypto-trader/internal/exchange"
	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/notify"
	"llm-crypto-trader/internal/types"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fakeExchange struct {
	interfaces.Exchange

	mu          sync.Mutex
	submit      func(ctx context.Context, req types.OrderRequest) (types.ExchangeOrder, error)
	submits     []types.OrderRequest
	lookups     []string
	cancels     []string
	open        []types.ExchangeOrder
	known       map[string]types.ExchangeOrder
	balances    map[string]types.Balance
	balancesErr error
	// duringOpen runs inside OpenOrders, after balances were read
	duringOpen func()
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		known: map[string]types.ExchangeOrder{},
		balances: map[string]types.Balance{
			"BTC": {Asset: "BTC", Total: d("1"), Available: d("1")},
			"USD": {Asset: "USD", Total: d("1000"), Available: d("1000")},
		},
	}
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	fn := f.submit
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeExchange) Balances(context.Context) (map[string]types.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	out := make(map[string]types.Balance, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) OpenOrders(context.Context) ([]types.ExchangeOrder, error) {
	if f.duringOpen != nil {
		f.duringOpen()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ExchangeOrder(nil), f.open...), nil
}

func (f *fakeExchange) LookupOrder(_ context.Context, cid string) (types.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, cid)
	if o, ok := f.known[cid]; ok {
		return o, nil
	}
	return types.ExchangeOrder{}, fmt.Errorf("%w: %s", exchange.ErrNotFound, cid)
}

func (f *fakeExchange) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeExchange) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type events struct {
	mu   sync.Mutex
	list []notify.Event
}

func (e *events) Publish(ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) count(k notify.Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.list {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

type discrepancies struct {
	mu   sync.Mutex
	list []types.Discrepancy
}

func (r *discrepancies) Discrepancy(_ context.Context, d types.Discrepancy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, d)
	return nil
}

func (r *discrepancies) kinds() []types.DiscrepancyKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []types.DiscrepancyKind{}
	for _, d := range r.list {
		out = append(out, d.Kind)
	}
	return out
}

type fixture struct {
	eng *Engine
	ex  *fakeExchange
	l   *ledger.Ledger
	ev  *events
	rec *discrepancies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(ledger.Config{StaleAfter: time.Hour, FeeRate: d("0.001")})
	require.NoError(t, l.ApplyReconciliation(ledger.Diff{Balances: map[string]decimal.Decimal{"BTC": d("1"), "USD": d("1000")}}))

	ex := newFakeExchange()
	ev := &events{}
	rec := &discrepancies{}
	eng := New(ex, l, ev, rec, Config{
		Timeout:      50 * time.Millisecond,
		OrderTTL:     time.Hour,
		MaxResubmits: 1,
		Tolerance:    d("0.00000001"),
		Pairs:        []string{"BTC/USD"},
		Retry:        Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	})
	return &fixture{eng: eng, ex: ex, l: l, ev: ev, rec: rec}
}

func buyIntent() types.OrderIntent {
	return types.OrderIntent{Pair: "BTC/USD", Side: types.SideBuy, Type: types.OrderTypeMarket, Qty: d("0.01"), Price: d("20000"), DecisionID: "dec-1"}
}

func filled(req types.OrderRequest, id string) types.ExchangeOrder {
	return types.ExchangeOrder{
		ExchangeID:    id,
		CorrelationID: req.CorrelationID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Status:        types.StatusFilled,
		FilledQty:     req.Qty,
		FilledCost:    req.Qty.Mul(req.Price),
		Fee:           req.Qty.Mul(req.Price).Mul(d("0.001")),
	}
}

func timesOut(ctx context.Context, _ types.OrderRequest) (types.ExchangeOrder, error) {
	<-ctx.Done()
	return types.ExchangeOrder{}, ctx.Err()
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, p.Delay(i+1), "attempt %d", i+1)
	}

	p.Jitter = 0.2
	for i := 0; i < 100; i++ {
		got := p.Delay(1)
		assert.GreaterOrEqual(t, got, 80*time.Millisecond)
		assert.LessOrEqual(t, got, 120*time.Millisecond)
	}
}

func TestPolicyDo(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	ctx := context.Background()

	calls := 0
	n, err := p.Do(ctx, func(context.Context) error {
		calls++
		if calls < 3 {
			return exchange.ErrRetryable
		}
		return nil
	}, exchange.Classify)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = p.Do(ctx, func(context.Context) error { return exchange.ErrFatal }, exchange.Classify)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, exchange.ErrFatal)

	n, err = p.Do(ctx, func(context.Context) error { return exchange.ErrRetryable }, exchange.Classify)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorIs(t, err, exchange.ErrRetryable)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	slow := Policy{MaxAttempts: 5, BaseDelay: time.Hour}
	n, err = slow.Do(cctx, func(context.Context) error { return exchange.ErrRetryable }, exchange.Classify)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitFilledMovesBalances(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = func(_ context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
		return filled(req, "X1"), nil
	}

	o, err := f.eng.Submit(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, o.Status)
	assert.Equal(t, "X1", o.ExchangeID)
	assert.NotEmpty(t, o.CorrelationID)
	assert.Equal(t, "dec-1", o.DecisionID)

	bal := f.l.Balances()
	assert.True(t, d("1.01").Equal(bal["BTC"]), bal["BTC"].String())
	assert.True(t, d("799.8").Equal(bal["USD"]), bal["USD"].String())
	assert.Empty(t, f.l.OpenOrders())
	assert.Equal(t, 2, f.ev.count(notify.KindOrderStateChanged))
	assert.Zero(t, f.eng.InFlight())
}

func TestSubmitFatalRejectsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = func(context.Context, types.OrderRequest) (types.ExchangeOrder, error) {
		return types.ExchangeOrder{}, fmt.Errorf("%w: EOrder:Insufficient funds", exchange.ErrFatal)
	}

	o, err := f.eng.Submit(context.Background(), buyIntent())
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, types.StatusRejected, o.Status)
	assert.Equal(t, 1, f.ex.submitCount())
	assert.Equal(t, 1, f.ev.count(notify.KindFatal))
}

func TestSubmitRetriesThenUnknown(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = func(context.Context, types.OrderRequest) (types.ExchangeOrder, error) {
		return types.ExchangeOrder{}, fmt.Errorf("%w: EAPI:Rate limit exceeded", exchange.ErrRetryable)
	}

	o, err := f.eng.Submit(context.Background(), buyIntent())
	assert.ErrorIs(t, err, ErrOrderUnknown)
	assert.Equal(t, types.StatusUnknown, o.Status)
	assert.Equal(t, 3, f.ex.submitCount())
}

func TestSubmitRetryableRecovers(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = func(_ context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
		if f.ex.submitCount() < 2 {
			return types.ExchangeOrder{}, exchange.ErrRetryable
		}
		return types.ExchangeOrder{ExchangeID: "X2", CorrelationID: req.CorrelationID, Status: types.StatusAccepted}, nil
	}

	o, err := f.eng.Submit(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, o.Status)
	assert.Equal(t, 2, f.ex.submitCount())

	// the open buy keeps its quote reserved
	snap := f.l.Snapshot("BTC/USD")
	assert.True(t, d("200.2").Equal(snap.ReservedQuote), snap.ReservedQuote.String())
}

func TestSubmitAmbiguousIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = timesOut

	o, err := f.eng.Submit(context.Background(), buyIntent())
	assert.ErrorIs(t, err, ErrOrderUnknown)
	assert.Equal(t, types.StatusUnknown, o.Status)
	assert.Equal(t, 1, f.ex.submitCount())
}

func TestSubmitCancelledCycleGoesUnknown(t *testing.T) {
	f := newFixture(t)
	f.eng.cfg.Timeout = time.Minute
	f.ex.submit = timesOut

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	o, err := f.eng.Submit(ctx, buyIntent())
	assert.ErrorIs(t, err, context.Canceled)

	got, ok := f.l.Order(o.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, types.StatusUnknown, got.Status)
}

func TestTimeoutResubmitsOnceThenAbandons(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = timesOut
	ctx := context.Background()

	o, err := f.eng.Submit(ctx, buyIntent())
	require.ErrorIs(t, err, ErrOrderUnknown)
	require.Equal(t, types.StatusUnknown, o.Status)

	// not found: exactly one resubmission with the same correlation id
	require.Error(t, f.eng.Reconcile(ctx))
	assert.Equal(t, 2, f.ex.submitCount())
	assert.Equal(t, o.CorrelationID, f.ex.submits[1].CorrelationID)
	got, _ := f.l.Order(o.CorrelationID)
	assert.Equal(t, types.StatusUnknown, got.Status)
	assert.Equal(t, 1, got.Resubmits)

	// budget exhausted: abandoned
	require.NoError(t, f.eng.Reconcile(ctx))
	assert.Equal(t, 2, f.ex.submitCount())
	got, _ = f.l.Order(o.CorrelationID)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Contains(t, f.rec.kinds(), types.DiscrepancyAbandoned)
	assert.Equal(t, 1, f.ev.count(notify.KindDiscrepancy))
	assert.Empty(t, f.l.OpenOrders())
}

func TestReconcileResolvesUnknownFromExchange(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = timesOut
	ctx := context.Background()

	o, _ := f.eng.Submit(ctx, buyIntent())
	req := f.ex.submits[0]
	f.ex.known[o.CorrelationID] = filled(req, "X7")
	// the exchange balance already includes the fill
	f.ex.balances["BTC"] = types.Balance{Asset: "BTC", Total: d("1.01")}
	f.ex.balances["USD"] = types.Balance{Asset: "USD", Total: d("799.8")}

	require.NoError(t, f.eng.Reconcile(ctx))
	got, _ := f.l.Order(o.CorrelationID)
	assert.Equal(t, types.StatusFilled, got.Status)
	assert.Equal(t, "X7", got.ExchangeID)

	bal := f.l.Balances()
	assert.True(t, d("1.01").Equal(bal["BTC"]), bal["BTC"].String())
	assert.True(t, d("799.8").Equal(bal["USD"]), bal["USD"].String())
	assert.Equal(t, 1, f.ex.submitCount())
	assert.Empty(t, f.rec.kinds(), "fill explains the balance change")
}

func TestReconcileMissingAcceptedGoesUnknown(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = func(_ context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
		return types.ExchangeOrder{ExchangeID: "X3", CorrelationID: req.CorrelationID, Status: types.StatusAccepted}, nil
	}
	o, err := f.eng.Submit(context.Background(), buyIntent())
	require.NoError(t, err)

	require.NoError(t, f.eng.Reconcile(context.Background()))
	got, _ := f.l.Order(o.CorrelationID)
	assert.Equal(t, types.StatusUnknown, got.Status)
	assert.Equal(t, []types.DiscrepancyKind{types.DiscrepancyMissing}, f.rec.kinds())
}

func TestReconcileAppliesListedProgress(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = func(_ context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
		return types.ExchangeOrder{ExchangeID: "X4", CorrelationID: req.CorrelationID, Status: types.StatusAccepted}, nil
	}
	o, err := f.eng.Submit(context.Background(), buyIntent())
	require.NoError(t, err)

	f.ex.open = []types.ExchangeOrder{{
		ExchangeID: "X4", CorrelationID: o.CorrelationID, Pair: "BTC/USD", Side: types.SideBuy,
		Qty: d("0.01"), Status: types.StatusPartiallyFilled, FilledQty: d("0.004"), FilledCost: d("80"),
	}}
	f.ex.balances["BTC"] = types.Balance{Asset: "BTC", Total: d("1.004")}
	f.ex.balances["USD"] = types.Balance{Asset: "USD", Total: d("920")}
	require.NoError(t, f.eng.Reconcile(context.Background()))

	got, _ := f.l.Order(o.CorrelationID)
	assert.Equal(t, types.StatusPartiallyFilled, got.Status)
	assert.True(t, d("0.004").Equal(got.FilledQty))
	assert.Empty(t, f.ex.lookups)
	assert.Empty(t, f.rec.kinds())
}

func TestReconcileAdoptsOrphansForConfiguredPairs(t *testing.T) {
	f := newFixture(t)
	f.ex.open = []types.ExchangeOrder{
		{ExchangeID: "X9", Pair: "BTC/USD", Side: types.SideSell, Type: types.OrderTypeLimit, Qty: d("0.1"), Price: d("30000"), Status: types.StatusAccepted},
		{ExchangeID: "X10", Pair: "DOGE/USD", Side: types.SideBuy, Qty: d("100"), Price: d("0.1"), Status: types.StatusAccepted},
	}

	require.NoError(t, f.eng.Reconcile(context.Background()))
	o, ok := f.l.Order("adopted-X9")
	require.True(t, ok)
	assert.Equal(t, types.StatusAccepted, o.Status)
	assert.Len(t, f.l.OpenOrders(), 1)
	assert.Equal(t, []types.DiscrepancyKind{types.DiscrepancyOrphan}, f.rec.kinds())

	// a second pass matches the adopted order by exchange id
	require.NoError(t, f.eng.Reconcile(context.Background()))
	assert.Len(t, f.l.OpenOrders(), 1)
	assert.Len(t, f.rec.kinds(), 1)
}

func TestReconcileBalanceMismatch(t *testing.T) {
	f := newFixture(t)
	f.ex.balances["USD"] = types.Balance{Asset: "USD", Total: d("990")}

	require.NoError(t, f.eng.Reconcile(context.Background()))
	assert.True(t, d("990").Equal(f.l.Balances()["USD"]))
	require.Len(t, f.rec.list, 1)
	assert.Equal(t, types.DiscrepancyBalance, f.rec.list[0].Kind)
	assert.Equal(t, "USD", f.rec.list[0].Asset)
}

func TestReconcileFailureMarksStale(t *testing.T) {
	f := newFixture(t)
	f.ex.balancesErr = exchange.ErrRetryable

	err := f.eng.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrReconciliationStale)
	snap := f.l.Snapshot("BTC/USD")
	assert.True(t, snap.Stale)
	assert.True(t, d("1000").Equal(snap.Quote), "last-known state kept")
	assert.Equal(t, 1, f.ev.count(notify.KindReconciliationStale))

	f.ex.balancesErr = nil
	require.NoError(t, f.eng.Reconcile(context.Background()))
	assert.False(t, f.l.Snapshot("BTC/USD").Stale)
}

func TestReconcileSkipsInFlight(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.l.Track(types.Order{CorrelationID: "c1", Pair: "BTC/USD", Side: types.SideBuy, RequestedQty: d("0.01"), Price: d("20000")}))
	f.eng.setInflight("c1", true)

	require.NoError(t, f.eng.Reconcile(context.Background()))
	assert.Empty(t, f.ex.lookups)
	got, _ := f.l.Order("c1")
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestReconcileCancelsExpiredOrders(t *testing.T) {
	f := newFixture(t)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.l.Track(types.Order{CorrelationID: "c2", Pair: "BTC/USD", Side: types.SideBuy, Type: types.OrderTypeLimit, RequestedQty: d("0.01"), Price: d("15000"), CreatedAt: old}))
	_, err := f.l.Apply(types.OrderUpdate{CorrelationID: "c2", ExchangeID: "X5", Status: types.StatusAccepted})
	require.NoError(t, err)
	f.ex.open = []types.ExchangeOrder{{ExchangeID: "X5", CorrelationID: "c2", Pair: "BTC/USD", Side: types.SideBuy, Qty: d("0.01"), Status: types.StatusAccepted}}

	require.NoError(t, f.eng.Reconcile(context.Background()))
	assert.Equal(t, []string{"X5"}, f.ex.cancels)
	assert.Equal(t, []types.DiscrepancyKind{types.DiscrepancyExpired}, f.rec.kinds())
}

func TestSubmitDivergedFillMarksStale(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = func(_ context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
		x := filled(req, "X6")
		x.FilledCost = d("5000")
		return x, nil
	}

	_, err := f.eng.Submit(context.Background(), buyIntent())
	assert.True(t, errors.Is(err, ledger.ErrBalanceDiverged))
	assert.True(t, f.l.Snapshot("BTC/USD").Stale)
	assert.Equal(t, []types.DiscrepancyKind{types.DiscrepancyDiverged}, f.rec.kinds())
}

func TestSubmitDuringReconcileKeepsFill(t *testing.T) {
	f := newFixture(t)
	f.ex.submit = func(_ context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
		return filled(req, "X7"), nil
	}
	var submitted types.Order
	f.ex.duringOpen = func() {
		f.ex.duringOpen = nil
		o, err := f.eng.Submit(context.Background(), buyIntent())
		require.NoError(t, err)
		submitted = o
	}

	require.NoError(t, f.eng.Reconcile(context.Background()))
	assert.Equal(t, types.StatusFilled, submitted.Status)

	bal := f.l.Balances()
	assert.True(t, d("1.01").Equal(bal["BTC"]), bal["BTC"].String())
	assert.True(t, d("799.8").Equal(bal["USD"]), bal["USD"].String())
	assert.True(t, f.l.Snapshot("BTC/USD").Stale, "balances read before the fill must not clear staleness")
	assert.Empty(t, f.rec.kinds())

	f.ex.mu.Lock()
	f.ex.balances["BTC"] = types.Balance{Asset: "BTC", Total: d("1.01")}
	f.ex.balances["USD"] = types.Balance{Asset: "USD", Total: d("799.8")}
	f.ex.mu.Unlock()

	require.NoError(t, f.eng.Reconcile(context.Background()))
	assert.False(t, f.l.Snapshot("BTC/USD").Stale)
	assert.Empty(t, f.rec.kinds())
}
