package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/types"
)

// Diff is the exchange truth gathered by one reconciliation pass.
type Diff struct {
	// Balances are exchange totals per asset. Assets not listed keep their value.
	Balances map[string]decimal.Decimal `json:"balances,omitempty"`
	// Updates carry exchange order state. Exchange balances already include
	// their fills, so they never move balances here.
	Updates []types.OrderUpdate `json:"updates,omitempty"`
	// Adopt are exchange orders with no local record.
	Adopt []types.Order `json:"adopt,omitempty"`
	At    time.Time     `json:"at"`
}

// ApplyReconciliation applies d under a single write lock, then clears the
// stale mark. Per-order failures are returned joined but do not stop the pass.
func (l *Ledger) ApplyReconciliation(d Diff) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyReconciliation(d)
}

// ApplyReconciliationSince is ApplyReconciliation for balances read when
// FillSeq was seq. If a fill was applied since, those balances predate it:
// order updates and adoptions still apply, balances are left alone and the
// ledger stays stale until the next pass. applied reports which happened.
func (l *Ledger) ApplyReconciliationSince(d Diff, seq uint64) (applied bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fillSeq != seq {
		errs := l.applyOrders(d)
		l.staleReason = "fills applied during reconciliation"
		return false, errors.Join(errs...)
	}
	return true, l.applyReconciliation(d)
}

func (l *Ledger) applyOrders(d Diff) []error {
	var errs []error
	for _, u := range d.Updates {
		if _, err := l.apply(u, false); err != nil {
			errs = append(errs, err)
		}
	}
	for _, o := range d.Adopt {
		if err := l.track(o, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (l *Ledger) applyReconciliation(d Diff) error {
	errs := l.applyOrders(d)
	for asset, v := range d.Balances {
		l.balances[asset] = v
	}
	at := d.At
	if at.IsZero() {
		at = l.now().UTC()
	}
	l.lastReconciled = at
	l.staleReason = ""
	_ = l.record(Entry{Op: OpReconcile, Balances: d.Balances, At: at})
	return errors.Join(errs...)
}

// Op names a journaled ledger mutation.
type Op string

const (
	OpTrack           Op = "track"
	OpAdopt           Op = "adopt"
	OpApply           Op = "apply"
	OpReconcileUpdate Op = "reconcile_update"
	OpTransition      Op = "transition"
	OpResubmit        Op = "resubmit"
	OpReconcile       Op = "reconcile"
)

type Entry struct {
	Op            Op                         `json:"op"`
	Order         *types.Order               `json:"order,omitempty"`
	Update        *types.OrderUpdate         `json:"update,omitempty"`
	CorrelationID string                     `json:"correlation_id,omitempty"`
	Status        types.OrderStatus          `json:"status,omitempty"`
	Reason        string                     `json:"reason,omitempty"`
	Balances      map[string]decimal.Decimal `json:"balances,omitempty"`
	At            time.Time                  `json:"at"`
}

// Replay re-applies a journaled entry. It must run before a journal is
// attached, otherwise the entry would be written twice.
func (l *Ledger) Replay(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal != nil {
		return errors.New("replay with an attached journal")
	}
	switch e.Op {
	case OpTrack, OpAdopt:
		if e.Order == nil {
			return fmt.Errorf("replay %s: missing order", e.Op)
		}
		return l.track(*e.Order, e.Op == OpTrack)
	case OpApply, OpReconcileUpdate:
		if e.Update == nil {
			return fmt.Errorf("replay %s: missing update", e.Op)
		}
		_, err := l.apply(*e.Update, e.Op == OpApply)
		return err
	case OpTransition:
		_, err := l.transition(e.CorrelationID, e.Status, e.Reason)
		return err
	case OpResubmit:
		_, err := l.resubmit(e.CorrelationID)
		return err
	case OpReconcile:
		return l.applyReconciliation(Diff{Balances: e.Balances, At: e.At})
	}
	return fmt.Errorf("replay: unknown op %q", e.Op)
}
