package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/exchange"
	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/notify"
	"llm-crypto-trader/internal/types"
)

// Reconcile compares the ledger with exchange truth and applies the
// difference in one ledger write. Exchange values always win.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	now := e.now().UTC()
	seq := e.ledger.FillSeq()
	balances, open, err := e.fetchTruth(ctx)
	if err != nil {
		reason := err.Error()
		e.ledger.MarkStale(reason)
		logger.ErrorWithErr(ctx, "Reconciliation failed, ledger marked stale", err)
		e.pub.Publish(notify.Stale(reason, now))
		return fmt.Errorf("%w: %w", ErrReconciliationStale, err)
	}

	byCID := make(map[string]types.ExchangeOrder, len(open))
	byXID := make(map[string]types.ExchangeOrder, len(open))
	for _, x := range open {
		if x.CorrelationID != "" {
			byCID[x.CorrelationID] = x
		}
		byXID[x.ExchangeID] = x
	}

	diff := ledger.Diff{At: now}
	var (
		found    []types.Discrepancy
		resubmit []string
		errs     []error
	)
	local := e.ledger.OpenOrders()
	before := map[string]types.OrderStatus{}
	matchedXIDs := map[string]bool{}
	lookupFailed := 0

	for _, o := range local {
		if e.isInflight(o.CorrelationID) {
			continue
		}
		before[o.CorrelationID] = o.Status

		x, listed := byCID[o.CorrelationID]
		if !listed && o.ExchangeID != "" {
			x, listed = byXID[o.ExchangeID]
		}
		if listed {
			matchedXIDs[x.ExchangeID] = true
			if changed(o, x) {
				diff.Updates = append(diff.Updates, update(o, x, ""))
			}
			continue
		}

		switch o.Status {
		case types.StatusPending, types.StatusUnknown:
			x, err := e.lookup(ctx, o.CorrelationID)
			switch {
			case err == nil:
				diff.Updates = append(diff.Updates, update(o, x, "found by correlation id"))
			case exchange.Classify(err) == exchange.ClassNotFound && o.Resubmits < e.cfg.MaxResubmits:
				resubmit = append(resubmit, o.CorrelationID)
			case exchange.Classify(err) == exchange.ClassNotFound:
				reason := fmt.Sprintf("not on exchange after %d resubmission(s)", o.Resubmits)
				diff.Updates = append(diff.Updates, types.OrderUpdate{
					CorrelationID: o.CorrelationID,
					Status:        types.StatusCancelled,
					Reason:        reason,
				})
				found = append(found, types.Discrepancy{
					Kind:          types.DiscrepancyAbandoned,
					Pair:          o.Pair,
					CorrelationID: o.CorrelationID,
					Local:         string(o.Status),
					Exchange:      "not_found",
					Detail:        reason,
				})
			default:
				lookupFailed++
				errs = append(errs, fmt.Errorf("lookup %s: %w", o.CorrelationID, err))
			}

		case types.StatusAccepted, types.StatusPartiallyFilled:
			x, err := e.lookup(ctx, o.CorrelationID)
			switch {
			case err == nil:
				diff.Updates = append(diff.Updates, update(o, x, "closed on exchange"))
				if x.Status != types.StatusFilled && x.Status != types.StatusCancelled {
					found = append(found, statusMismatch(o, x))
				}
			case exchange.Classify(err) == exchange.ClassNotFound:
				diff.Updates = append(diff.Updates, types.OrderUpdate{
					CorrelationID: o.CorrelationID,
					Status:        types.StatusUnknown,
					Reason:        "missing from exchange",
				})
				found = append(found, types.Discrepancy{
					Kind:          types.DiscrepancyMissing,
					Pair:          o.Pair,
					CorrelationID: o.CorrelationID,
					Local:         string(o.Status),
					Exchange:      "not_found",
				})
			default:
				lookupFailed++
				errs = append(errs, fmt.Errorf("lookup %s: %w", o.CorrelationID, err))
			}
		}
	}

	for _, x := range open {
		if matchedXIDs[x.ExchangeID] || !e.adopts(x.Pair) {
			continue
		}
		if x.CorrelationID != "" {
			if known, ok := e.ledger.Order(x.CorrelationID); ok {
				if !e.isInflight(x.CorrelationID) {
					found = append(found, statusMismatch(known, x))
				}
				continue
			}
		}
		o := adopted(x)
		diff.Adopt = append(diff.Adopt, o)
		found = append(found, types.Discrepancy{
			Kind:          types.DiscrepancyOrphan,
			Pair:          x.Pair,
			CorrelationID: o.CorrelationID,
			Local:         "absent",
			Exchange:      string(x.Status),
			Detail:        "exchange order " + x.ExchangeID,
		})
	}

	diff.Balances, found = e.balanceDiff(balances, expectedBalances(e.ledger.Balances(), local, diff.Updates), found)

	applied, err := e.ledger.ApplyReconciliationSince(diff, seq)
	if err != nil {
		errs = append(errs, err)
	}
	if !applied {
		// a cycle filled while we were reading; the balances compared above
		// are older than the ledger, so their mismatches are not real
		found = dropBalanceMismatches(found)
		logger.Warn(ctx, "Fills landed during reconciliation, balances left for the next pass")
	}

	for _, o := range local {
		from, ok := before[o.CorrelationID]
		if !ok {
			continue
		}
		if next, ok := e.ledger.Order(o.CorrelationID); ok && next.Status != from {
			e.pub.Publish(notify.OrderChanged(next, from, "reconciled"))
		}
	}
	for _, o := range diff.Adopt {
		if next, ok := e.ledger.Order(o.CorrelationID); ok {
			e.pub.Publish(notify.OrderChanged(next, "", "adopted from exchange"))
		}
	}
	for _, d := range found {
		d.At = now
		e.discrepancy(ctx, d)
	}

	for _, id := range resubmit {
		o, err := e.ledger.Resubmit(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Info(ctx, "Resubmitting order not found on exchange", "pair", o.Pair, "correlation_id", id, "resubmits", o.Resubmits)
		e.pub.Publish(notify.OrderChanged(o, types.StatusUnknown, "resubmitted"))
		if _, err := e.send(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}

	e.expire(ctx, now)

	logger.Info(ctx, "Reconciliation complete",
		"open_local", len(local), "open_exchange", len(open),
		"updates", len(diff.Updates), "adopted", len(diff.Adopt),
		"discrepancies", len(found), "resubmitted", len(resubmit), "lookup_failures", lookupFailed,
		"balances_applied", applied)
	return errors.Join(errs...)
}

func dropBalanceMismatches(found []types.Discrepancy) []types.Discrepancy {
	out := found[:0]
	for _, d := range found {
		if d.Kind != types.DiscrepancyBalance {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) fetchTruth(ctx context.Context) (map[string]types.Balance, []types.ExchangeOrder, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	balances, err := e.ex.Balances(cctx)
	if err != nil {
		return nil, nil, fmt.Errorf("balances: %w", err)
	}

	cctx2, cancel2 := e.callCtx(ctx)
	defer cancel2()
	open, err := e.ex.OpenOrders(cctx2)
	if err != nil {
		return nil, nil, fmt.Errorf("open orders: %w", err)
	}
	return balances, open, nil
}

func (e *Engine) lookup(ctx context.Context, correlationID string) (types.ExchangeOrder, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.ex.LookupOrder(cctx, correlationID)
}

// expectedBalances is the local view plus fill progress the exchange reports
// for tracked orders, which its balances already include.
func expectedBalances(bal map[string]decimal.Decimal, local []types.Order, updates []types.OrderUpdate) map[string]decimal.Decimal {
	byID := make(map[string]types.Order, len(local))
	for _, o := range local {
		byID[o.CorrelationID] = o
	}
	for _, u := range updates {
		o, ok := byID[u.CorrelationID]
		if !ok || !u.FilledQty.GreaterThan(o.FilledQty) {
			continue
		}
		dq := u.FilledQty.Sub(o.FilledQty)
		dc := u.FilledCost.Sub(o.FilledCost)
		df := u.Fee.Sub(o.Fee)
		base, quote, _ := types.SplitPair(o.Pair)
		if o.Side == types.SideBuy {
			bal[base] = bal[base].Add(dq)
			bal[quote] = bal[quote].Sub(dc).Sub(df)
		} else {
			bal[base] = bal[base].Sub(dq)
			bal[quote] = bal[quote].Add(dc).Sub(df)
		}
	}
	return bal
}

// balanceDiff returns exchange totals for every asset either side knows, and
// appends a discrepancy for each one outside tolerance.
func (e *Engine) balanceDiff(ex map[string]types.Balance, local map[string]decimal.Decimal, found []types.Discrepancy) (map[string]decimal.Decimal, []types.Discrepancy) {
	out := make(map[string]decimal.Decimal, len(ex)+len(local))
	for asset, b := range ex {
		out[asset] = b.Total
	}
	for asset := range local {
		if _, ok := out[asset]; !ok {
			out[asset] = decimal.Zero
		}
	}

	assets := make([]string, 0, len(out))
	for asset := range out {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		l, seen := local[asset]
		if !seen {
			// first sight of an asset is not a mismatch
			continue
		}
		if out[asset].Sub(l).Abs().GreaterThan(e.cfg.Tolerance) {
			found = append(found, types.Discrepancy{
				Kind:     types.DiscrepancyBalance,
				Asset:    asset,
				Local:    l.String(),
				Exchange: out[asset].String(),
			})
		}
	}
	return out, found
}

// expire cancels open orders that outlived the order TTL. The next pass
// picks up their final state.
func (e *Engine) expire(ctx context.Context, now time.Time) {
	if e.cfg.OrderTTL <= 0 {
		return
	}
	for _, o := range e.ledger.OpenOrders() {
		if o.ExchangeID == "" || e.isInflight(o.CorrelationID) {
			continue
		}
		if o.Status != types.StatusAccepted && o.Status != types.StatusPartiallyFilled {
			continue
		}
		if now.Sub(o.CreatedAt) <= e.cfg.OrderTTL {
			continue
		}
		cctx, cancel := e.callCtx(ctx)
		err := e.ex.CancelOrder(cctx, o.ExchangeID)
		cancel()
		if err != nil {
			logger.ErrorWithErr(ctx, "Failed to cancel expired order", err, "pair", o.Pair, "correlation_id", o.CorrelationID)
			continue
		}
		e.discrepancy(ctx, types.Discrepancy{
			Kind:          types.DiscrepancyExpired,
			Pair:          o.Pair,
			CorrelationID: o.CorrelationID,
			Local:         string(o.Status),
			Exchange:      "cancel_requested",
			Detail:        fmt.Sprintf("open longer than %s", e.cfg.OrderTTL),
			At:            now,
		})
	}
}

func (e *Engine) adopts(pair string) bool {
	if len(e.cfg.Pairs) == 0 {
		return true
	}
	for _, p := range e.cfg.Pairs {
		if p == pair {
			return true
		}
	}
	return false
}

func changed(o types.Order, x types.ExchangeOrder) bool {
	return o.Status != x.Status || x.FilledQty.GreaterThan(o.FilledQty) || (o.ExchangeID == "" && x.ExchangeID != "")
}

func update(o types.Order, x types.ExchangeOrder, reason string) types.OrderUpdate {
	u := x.Update()
	u.CorrelationID = o.CorrelationID
	u.Reason = reason
	return u
}

func statusMismatch(o types.Order, x types.ExchangeOrder) types.Discrepancy {
	return types.Discrepancy{
		Kind:          types.DiscrepancyStatus,
		Pair:          o.Pair,
		CorrelationID: o.CorrelationID,
		Local:         string(o.Status),
		Exchange:      string(x.Status),
		Detail:        "exchange order " + x.ExchangeID,
	}
}

func adopted(x types.ExchangeOrder) types.Order {
	id := x.CorrelationID
	if id == "" {
		id = "adopted-" + x.ExchangeID
	}
	return types.Order{
		CorrelationID: id,
		ExchangeID:    x.ExchangeID,
		Pair:          x.Pair,
		Side:          x.Side,
		Type:          x.Type,
		RequestedQty:  x.Qty,
		Price:         x.Price,
		Status:        x.Status,
		FilledQty:     x.FilledQty,
		FilledCost:    x.FilledCost,
		Fee:           x.Fee,
		CreatedAt:     x.OpenedAt,
	}
}
