package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-crypto-trader/internal/orders"
	"llm-crypto-trader/internal/types"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memJournal struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *memJournal) Append(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func newLedger(t *testing.T) (*Ledger, *memJournal) {
	t.Helper()
	l := New(Config{StaleAfter: time.Minute, FeeRate: d("0.001")})
	l.now = func() time.Time { return t0 }
	j := &memJournal{}
	l.SetJournal(j, nil)
	require.NoError(t, l.ApplyReconciliation(Diff{Balances: map[string]decimal.Decimal{"BTC": d("1"), "USD": d("1000")}, At: t0}))
	return l, j
}

func pending(id string, side types.Side, qty, price string) types.Order {
	return types.Order{CorrelationID: id, Pair: "BTC/USD", Side: side, Type: types.OrderTypeMarket, RequestedQty: d(qty), Price: d(price), Status: types.StatusPending, CreatedAt: t0}
}

func TestTrackRejectsDuplicates(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Track(pending("a", types.SideBuy, "1", "100")))
	assert.ErrorIs(t, l.Track(pending("a", types.SideSell, "1", "100")), ErrDuplicateCorrelationID)

	_, err := l.Apply(types.OrderUpdate{CorrelationID: "a", Status: types.StatusCancelled})
	require.NoError(t, err)
	// archived ids are never reused
	assert.ErrorIs(t, l.Track(pending("a", types.SideBuy, "1", "100")), ErrDuplicateCorrelationID)
}

func TestSnapshotReservesOpenOrders(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Track(pending("b", types.SideBuy, "2", "100")))
	require.NoError(t, l.Track(pending("s", types.SideSell, "0.25", "100")))

	s := l.Snapshot("BTC/USD")
	assert.True(t, s.ReservedQuote.Equal(d("200.2")), s.ReservedQuote.String())
	assert.True(t, s.ReservedBase.Equal(d("0.25")))
	assert.True(t, s.AvailableQuote().Equal(d("799.8")))
	assert.True(t, s.HasOpen(types.SideBuy))
	assert.Len(t, s.OpenOrders, 2)
	assert.False(t, s.Stale)
}

func TestApplyFillIsIdempotent(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Track(pending("b", types.SideBuy, "2", "100")))

	partial := types.OrderUpdate{CorrelationID: "b", ExchangeID: "OX1", Status: types.StatusPartiallyFilled, FilledQty: d("1"), FilledCost: d("100"), Fee: d("0.1")}
	_, err := l.Apply(partial)
	require.NoError(t, err)
	_, err = l.Apply(partial)
	require.NoError(t, err)

	bal := l.Balances()
	assert.True(t, bal["BTC"].Equal(d("2")))
	assert.True(t, bal["USD"].Equal(d("899.9")))

	full := types.OrderUpdate{CorrelationID: "b", Status: types.StatusFilled, FilledQty: d("2"), FilledCost: d("201"), Fee: d("0.2")}
	o, err := l.Apply(full)
	require.NoError(t, err)
	assert.Equal(t, "OX1", o.ExchangeID)

	_, err = l.Apply(full)
	require.NoError(t, err)
	bal = l.Balances()
	assert.True(t, bal["BTC"].Equal(d("3")))
	assert.True(t, bal["USD"].Equal(d("798.8")), bal["USD"].String())

	assert.Empty(t, l.OpenOrders())
	require.Len(t, l.Archived(), 1)
	assert.Equal(t, types.StatusFilled, l.Archived()[0].Status)
}

func TestApplyIgnoresOlderFillReports(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Track(pending("s", types.SideSell, "0.5", "100")))
	_, err := l.Apply(types.OrderUpdate{CorrelationID: "s", Status: types.StatusPartiallyFilled, FilledQty: d("0.4"), FilledCost: d("40")})
	require.NoError(t, err)
	_, err = l.Apply(types.OrderUpdate{CorrelationID: "s", Status: types.StatusPartiallyFilled, FilledQty: d("0.1"), FilledCost: d("10")})
	require.NoError(t, err)

	bal := l.Balances()
	assert.True(t, bal["BTC"].Equal(d("0.6")))
	assert.True(t, bal["USD"].Equal(d("1040")))
}

func TestTerminalOrdersAreNotRevisited(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Track(pending("x", types.SideBuy, "1", "100")))
	_, err := l.Apply(types.OrderUpdate{CorrelationID: "x", Status: types.StatusRejected})
	require.NoError(t, err)

	_, err = l.Apply(types.OrderUpdate{CorrelationID: "x", Status: types.StatusFilled, FilledQty: d("1")})
	assert.ErrorIs(t, err, orders.ErrIllegalTransition)
	_, err = l.Transition("x", types.StatusUnknown, "late")
	assert.ErrorIs(t, err, orders.ErrIllegalTransition)

	_, err = l.Apply(types.OrderUpdate{CorrelationID: "nope", Status: types.StatusFilled})
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestFillThatOverdrawsIsRefused(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Track(pending("b", types.SideBuy, "5", "100")))
	// actual cost far above the reference price
	_, err := l.Apply(types.OrderUpdate{CorrelationID: "b", Status: types.StatusFilled, FilledQty: d("5"), FilledCost: d("5000")})
	require.ErrorIs(t, err, ErrBalanceDiverged)

	bal := l.Balances()
	assert.True(t, bal["USD"].Equal(d("1000")))
	o, _ := l.Order("b")
	assert.Equal(t, types.StatusPending, o.Status)
	s := l.Snapshot("BTC/USD")
	assert.True(t, s.Stale)
	assert.Contains(t, s.StaleReason, "negative")
}

func TestStaleness(t *testing.T) {
	l := New(Config{StaleAfter: time.Minute})
	now := t0
	l.now = func() time.Time { return now }

	s := l.Snapshot("BTC/USD")
	assert.True(t, s.Stale)
	assert.Equal(t, "never reconciled", s.StaleReason)

	require.NoError(t, l.ApplyReconciliation(Diff{At: t0}))
	assert.False(t, l.Snapshot("BTC/USD").Stale)

	now = t0.Add(2 * time.Minute)
	assert.True(t, l.Snapshot("BTC/USD").Stale)

	require.NoError(t, l.ApplyReconciliation(Diff{At: now}))
	l.MarkStale("exchange unreachable")
	s = l.Snapshot("BTC/USD")
	assert.True(t, s.Stale)
	assert.Equal(t, "exchange unreachable", s.StaleReason)
}

func TestReconciliationDoesNotDoubleCountFills(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Track(pending("b", types.SideBuy, "1", "100")))
	require.NoError(t, l.ApplyReconciliation(Diff{
		Balances: map[string]decimal.Decimal{"BTC": d("2"), "USD": d("899.5")},
		Updates:  []types.OrderUpdate{{CorrelationID: "b", ExchangeID: "OX9", Status: types.StatusFilled, FilledQty: d("1"), FilledCost: d("100"), Fee: d("0.5")}},
		Adopt:    []types.Order{{CorrelationID: "ext-1", ExchangeID: "OX7", Pair: "BTC/USD", Side: types.SideSell, RequestedQty: d("0.1"), Price: d("120"), Status: types.StatusAccepted}},
		At:       t0,
	}))

	bal := l.Balances()
	assert.True(t, bal["BTC"].Equal(d("2")))
	assert.True(t, bal["USD"].Equal(d("899.5")))
	o, ok := l.Order("b")
	require.True(t, ok)
	assert.Equal(t, types.StatusFilled, o.Status)
	adopted, ok := l.Order("ext-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusAccepted, adopted.Status)
}

func TestSnapshotIsACopy(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Track(pending("b", types.SideBuy, "1", "100")))
	s := l.Snapshot("BTC/USD")
	s.OpenOrders[0].Status = types.StatusFilled
	o, _ := l.Order("b")
	assert.Equal(t, types.StatusPending, o.Status)
}

func TestReplayRebuildsState(t *testing.T) {
	l, j := newLedger(t)
	require.NoError(t, l.Track(pending("b", types.SideBuy, "1", "100")))
	require.NoError(t, l.Track(pending("s", types.SideSell, "0.5", "100")))
	_, err := l.Transition("s", types.StatusUnknown, "submit timeout")
	require.NoError(t, err)
	_, err = l.Resubmit("s")
	require.NoError(t, err)
	_, err = l.Apply(types.OrderUpdate{CorrelationID: "b", Status: types.StatusFilled, FilledQty: d("1"), FilledCost: d("101"), Fee: d("0.1")})
	require.NoError(t, err)
	_, err = l.Apply(types.OrderUpdate{CorrelationID: "s", Status: types.StatusPartiallyFilled, FilledQty: d("0.2"), FilledCost: d("20")})
	require.NoError(t, err)

	r := New(Config{StaleAfter: time.Minute, FeeRate: d("0.001")})
	r.now = l.now
	for _, e := range j.entries {
		require.NoError(t, r.Replay(e), "op %s", e.Op)
	}

	want, got := l.Balances(), r.Balances()
	require.Len(t, got, len(want))
	for k := range want {
		assert.True(t, want[k].Equal(got[k]), k)
	}
	assert.Equal(t, l.OpenOrders(), r.OpenOrders())
	o, _ := r.Order("s")
	assert.Equal(t, 1, o.Resubmits)
}

func TestReadersNeverSeeTornFills(t *testing.T) {
	l, _ := newLedger(t)
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, l.Track(pending(string(rune('A'+i%26))+decimal.NewFromInt(int64(i)).String(), types.SideBuy, "0.001", "1")))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, o := range l.OpenOrders() {
			_, _ = l.Apply(types.OrderUpdate{CorrelationID: o.CorrelationID, Status: types.StatusFilled, FilledQty: d("0.001"), FilledCost: d("0.001")})
		}
	}()
	for i := 0; i < 500; i++ {
		s := l.Snapshot("BTC/USD")
		filled := n - len(s.OpenOrders)
		expected := d("1").Add(decimal.NewFromInt(int64(filled)).Mul(d("0.001")))
		require.True(t, s.Base.Equal(expected), "base %s with %d filled", s.Base, filled)
	}
	wg.Wait()
}

func TestReconciliationSinceSkipsOlderBalances(t *testing.T) {
	l, _ := newLedger(t)
	seq := l.FillSeq()
	require.NoError(t, l.Track(pending("b", types.SideBuy, "1", "100")))
	_, err := l.Apply(types.OrderUpdate{CorrelationID: "b", Status: types.StatusFilled, FilledQty: d("1"), FilledCost: d("100")})
	require.NoError(t, err)
	assert.Equal(t, seq+1, l.FillSeq())

	l.now = func() time.Time { return t0.Add(time.Second) }
	applied, err := l.ApplyReconciliationSince(Diff{Balances: map[string]decimal.Decimal{"BTC": d("1"), "USD": d("1000")}}, seq)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, l.Balances()["BTC"].Equal(d("2")))
	assert.True(t, l.Snapshot("BTC/USD").Stale)

	applied, err = l.ApplyReconciliationSince(Diff{Balances: map[string]decimal.Decimal{"BTC": d("2"), "USD": d("900")}}, l.FillSeq())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, l.Snapshot("BTC/USD").Stale)
}
