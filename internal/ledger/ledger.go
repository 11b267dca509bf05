// Package ledger is the in-process record of balances and open orders.
// ExecutionEngine is its only writer; everyone else reads snapshots.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/orders"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

var (
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
	ErrUnknownOrder           = errors.New("order not tracked")
	ErrBalanceDiverged        = errors.New("fill would drive available balance negative")
)

type Config struct {
	StaleAfter time.Duration
	// FeeRate is reserved on top of open buy notional.
	FeeRate decimal.Decimal
}

func ConfigFrom(cfg *store.Config) Config {
	return Config{
		StaleAfter: cfg.LedgerStaleAfter(),
		FeeRate:    decimal.NewFromFloat(cfg.Risk.FeeRate),
	}
}

// Journal receives every applied mutation, in order, while the ledger lock is
// held. Replaying the entries into an empty ledger rebuilds the same state.
type Journal interface {
	Append(e Entry) error
}

type Ledger struct {
	cfg     Config
	now     func() time.Time
	journal Journal
	onError func(error)

	mu             sync.RWMutex
	balances       map[string]decimal.Decimal
	open           map[string]*types.Order
	archived       map[string]types.Order
	lastReconciled time.Time
	staleReason    string
	// fillSeq counts fills that moved balances, so a reconciliation can tell
	// whether the exchange balances it read are older than the ledger.
	fillSeq uint64
}

func New(cfg Config) *Ledger {
	return &Ledger{
		cfg:      cfg,
		now:      time.Now,
		balances: map[string]decimal.Decimal{},
		open:     map[string]*types.Order{},
		archived: map[string]types.Order{},
	}
}

// SetJournal attaches j. onError is called when a journal append fails after
// the in-memory mutation has been applied.
func (l *Ledger) SetJournal(j Journal, onError func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = j
	l.onError = onError
}

func (l *Ledger) record(e Entry) error {
	if l.journal == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}
	err := l.journal.Append(e)
	if err != nil && l.onError != nil {
		l.onError(err)
	}
	return err
}

// Track adds a new pending order. The journal entry is written before the
// order becomes visible; a journal failure rejects the order.
func (l *Ledger) Track(o types.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.track(o, true)
}

func (l *Ledger) track(o types.Order, strict bool) error {
	if o.CorrelationID == "" {
		return fmt.Errorf("%w: empty", ErrDuplicateCorrelationID)
	}
	if l.known(o.CorrelationID) {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, o.CorrelationID)
	}
	if o.Status == "" {
		o.Status = types.StatusPending
	}
	if o.Status.Terminal() {
		return fmt.Errorf("cannot track terminal order %s (%s)", o.CorrelationID, o.Status)
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = l.now().UTC()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = o.UpdatedAt
	}
	op := OpTrack
	if !strict {
		op = OpAdopt
	}
	cp := o
	if err := l.record(Entry{Op: op, Order: &cp}); err != nil && strict {
		return fmt.Errorf("journal pending order: %w", err)
	}
	l.open[o.CorrelationID] = &o
	return nil
}

func (l *Ledger) known(id string) bool {
	if _, ok := l.open[id]; ok {
		return true
	}
	_, ok := l.archived[id]
	return ok
}

// Apply applies a confirmed exchange update. Fill fields are cumulative, so
// only progress beyond what the ledger has already seen moves balances, and
// re-applying an update is a no-op.
func (l *Ledger) Apply(u types.OrderUpdate) (types.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(u, true)
}

func (l *Ledger) apply(u types.OrderUpdate, moveBalances bool) (types.Order, error) {
	o, ok := l.open[u.CorrelationID]
	if !ok {
		a, done := l.archived[u.CorrelationID]
		if done && a.Status == u.Status {
			return a, nil
		}
		if done {
			return a, fmt.Errorf("%w: %s -> %s", orders.ErrIllegalTransition, a.Status, u.Status)
		}
		return types.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, u.CorrelationID)
	}
	if !orders.Valid(u.Status) {
		return *o, fmt.Errorf("%w: unknown status %q", orders.ErrIllegalTransition, u.Status)
	}
	if err := orders.Transition(o.Status, u.Status); err != nil {
		return *o, err
	}

	next := *o
	next.Status = u.Status
	if u.ExchangeID != "" {
		next.ExchangeID = u.ExchangeID
	}
	// An exchange never un-fills; older reports keep the newer progress.
	if u.FilledQty.GreaterThan(o.FilledQty) {
		next.FilledQty = u.FilledQty
		next.FilledCost = u.FilledCost
		next.Fee = u.Fee
	}

	if moveBalances {
		bal := l.balancesAfter(*o, next)
		if err := l.checkAvailable(bal, next); err != nil {
			l.staleReason = err.Error()
			return *o, err
		}
		l.balances = bal
		if next.FilledQty.GreaterThan(o.FilledQty) {
			l.fillSeq++
		}
	}

	next.UpdatedAt = l.now().UTC()
	op := OpApply
	if !moveBalances {
		op = OpReconcileUpdate
	}
	l.commit(&next)
	uc := u
	_ = l.record(Entry{Op: op, Update: &uc})
	return next, nil
}

func (l *Ledger) balancesAfter(prev, next types.Order) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.balances)+2)
	for k, v := range l.balances {
		out[k] = v
	}
	dq := next.FilledQty.Sub(prev.FilledQty)
	if dq.IsZero() {
		return out
	}
	dc := next.FilledCost.Sub(prev.FilledCost)
	df := next.Fee.Sub(prev.Fee)
	base, quote, _ := types.SplitPair(next.Pair)
	if next.Side == types.SideBuy {
		out[base] = out[base].Add(dq)
		out[quote] = out[quote].Sub(dc).Sub(df)
	} else {
		out[base] = out[base].Sub(dq)
		out[quote] = out[quote].Add(dc).Sub(df)
	}
	return out
}

// checkAvailable verifies that bal, with next replacing its previous version,
// leaves no negative available balance on next's assets.
func (l *Ledger) checkAvailable(bal map[string]decimal.Decimal, next types.Order) error {
	base, quote, _ := types.SplitPair(next.Pair)
	for _, asset := range []string{base, quote} {
		reserved := decimal.Zero
		for id, o := range l.open {
			if id == next.CorrelationID {
				o = &next
			}
			reserved = reserved.Add(l.reservation(*o, asset))
		}
		if avail := bal[asset].Sub(reserved); avail.IsNegative() {
			return fmt.Errorf("%w: %s available %s after %s", ErrBalanceDiverged, asset, avail, next.CorrelationID)
		}
	}
	return nil
}

// reservation is the amount of asset that o may still consume.
func (l *Ledger) reservation(o types.Order, asset string) decimal.Decimal {
	if o.Status.Terminal() {
		return decimal.Zero
	}
	base, quote, _ := types.SplitPair(o.Pair)
	remaining := o.RequestedQty.Sub(o.FilledQty)
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	switch {
	case o.Side == types.SideBuy && asset == quote:
		return remaining.Mul(o.Price).Mul(decimal.NewFromInt(1).Add(l.cfg.FeeRate))
	case o.Side == types.SideSell && asset == base:
		return remaining
	}
	return decimal.Zero
}

func (l *Ledger) commit(o *types.Order) {
	if o.Status.Terminal() {
		delete(l.open, o.CorrelationID)
		l.archived[o.CorrelationID] = *o
		return
	}
	l.open[o.CorrelationID] = o
}

// Transition records a locally decided status change, e.g. Unknown after a
// lost submission or Rejected after a fatal exchange error. Fills are untouched.
func (l *Ledger) Transition(correlationID string, to types.OrderStatus, reason string) (types.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transition(correlationID, to, reason)
}

func (l *Ledger) transition(correlationID string, to types.OrderStatus, reason string) (types.Order, error) {
	o, ok := l.open[correlationID]
	if !ok {
		if a, done := l.archived[correlationID]; done {
			return a, fmt.Errorf("%w: %s is already %s", orders.ErrIllegalTransition, correlationID, a.Status)
		}
		return types.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, correlationID)
	}
	if err := orders.Transition(o.Status, to); err != nil {
		return *o, err
	}
	next := *o
	next.Status = to
	next.UpdatedAt = l.now().UTC()
	l.commit(&next)
	_ = l.record(Entry{Op: OpTransition, CorrelationID: correlationID, Status: to, Reason: reason})
	return next, nil
}

// Resubmit moves an Unknown order back to Pending and counts the attempt.
func (l *Ledger) Resubmit(correlationID string) (types.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resubmit(correlationID)
}

func (l *Ledger) resubmit(correlationID string) (types.Order, error) {
	o, ok := l.open[correlationID]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, correlationID)
	}
	if o.Status != types.StatusUnknown {
		return *o, fmt.Errorf("%w: resubmit from %s", orders.ErrIllegalTransition, o.Status)
	}
	next := *o
	next.Status = types.StatusPending
	next.Resubmits++
	next.UpdatedAt = l.now().UTC()
	l.commit(&next)
	_ = l.record(Entry{Op: OpResubmit, CorrelationID: correlationID})
	return next, nil
}

// FillSeq returns the number of balance-moving fills applied so far.
func (l *Ledger) FillSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fillSeq
}

// MarkStale flags the ledger until the next successful reconciliation.
func (l *Ledger) MarkStale(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staleReason = reason
}

func (l *Ledger) staleLocked(now time.Time) (bool, string) {
	switch {
	case l.staleReason != "":
		return true, l.staleReason
	case l.lastReconciled.IsZero():
		return true, "never reconciled"
	case l.cfg.StaleAfter > 0 && now.Sub(l.lastReconciled) > l.cfg.StaleAfter:
		return true, fmt.Sprintf("last reconciled %s ago", now.Sub(l.lastReconciled).Truncate(time.Second))
	}
	return false, ""
}

// Snapshot returns a deep copy of the state relevant to pair.
func (l *Ledger) Snapshot(pair string) types.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	base, quote, _ := types.SplitPair(pair)
	s := types.LedgerSnapshot{
		Pair:             pair,
		BaseAsset:        base,
		QuoteAsset:       quote,
		Base:             l.balances[base],
		Quote:            l.balances[quote],
		LastReconciledAt: l.lastReconciled,
	}
	s.Stale, s.StaleReason = l.staleLocked(l.now())
	for _, o := range l.open {
		s.ReservedBase = s.ReservedBase.Add(l.reservation(*o, base))
		s.ReservedQuote = s.ReservedQuote.Add(l.reservation(*o, quote))
		if o.Pair == pair {
			s.OpenOrders = append(s.OpenOrders, *o)
		}
	}
	sortOrders(s.OpenOrders)
	return s
}

// OpenOrders returns copies of every non-terminal order across pairs.
func (l *Ledger) OpenOrders() []types.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Order, 0, len(l.open))
	for _, o := range l.open {
		out = append(out, *o)
	}
	sortOrders(out)
	return out
}

func (l *Ledger) Archived() []types.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Order, 0, len(l.archived))
	for _, o := range l.archived {
		out = append(out, o)
	}
	sortOrders(out)
	return out
}

func (l *Ledger) Order(correlationID string) (types.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if o, ok := l.open[correlationID]; ok {
		return *o, true
	}
	o, ok := l.archived[correlationID]
	return o, ok
}

func (l *Ledger) Balances() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

func sortOrders(os []types.Order) {
	sort.Slice(os, func(i, j int) bool {
		if !os[i].CreatedAt.Equal(os[j].CreatedAt) {
			return os[i].CreatedAt.Before(os[j].CreatedAt)
		}
		return os[i].CorrelationID < os[j].CorrelationID
	})
}
