// Package notify is the one-way event stream from the core to operators.
// Sinks only receive copies; nothing here can write back into core state.
package notify

import (
	"fmt"
	"strings"
	"time"

	"llm-crypto-trader/internal/types"
)

type Kind string

const (
	KindDecision            Kind = "decision_made"
	KindOrderStateChanged   Kind = "order_state_changed"
	KindDiscrepancy         Kind = "reconciliation_discrepancy"
	KindRiskRejected        Kind = "risk_rejected"
	KindReconciliationStale Kind = "reconciliation_stale"
	KindFatal               Kind = "fatal_error"
)

type Event struct {
	Kind        Kind               `json:"kind"`
	Pair        string             `json:"pair,omitempty"`
	At          time.Time          `json:"at"`
	Decision    *types.Decision    `json:"decision,omitempty"`
	Order       *types.Order       `json:"order,omitempty"`
	From        types.OrderStatus  `json:"from,omitempty"`
	Rejection   *types.Rejection   `json:"rejection,omitempty"`
	Discrepancy *types.Discrepancy `json:"discrepancy,omitempty"`
	Message     string             `json:"message,omitempty"`
}

// Publisher is what the core depends on.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

func DecisionMade(d types.Decision) Event {
	return Event{Kind: KindDecision, Pair: d.Pair, At: d.DecidedAt, Decision: &d}
}

func OrderChanged(o types.Order, from types.OrderStatus, msg string) Event {
	return Event{Kind: KindOrderStateChanged, Pair: o.Pair, At: o.UpdatedAt, Order: &o, From: from, Message: msg}
}

func Rejected(pair string, r types.Rejection, at time.Time) Event {
	return Event{Kind: KindRiskRejected, Pair: pair, At: at, Rejection: &r}
}

func DiscrepancyFound(d types.Discrepancy) Event {
	return Event{Kind: KindDiscrepancy, Pair: d.Pair, At: d.At, Discrepancy: &d}
}

func Stale(reason string, at time.Time) Event {
	return Event{Kind: KindReconciliationStale, At: at, Message: reason}
}

func Fatal(pair string, err error, at time.Time) Event {
	return Event{Kind: KindFatal, Pair: pair, At: at, Message: err.Error()}
}

// Text renders ev as a short plain-text message.
func (ev Event) Text() string {
	var b strings.Builder
	switch ev.Kind {
	case KindDecision:
		d := ev.Decision
		fmt.Fprintf(&b, "Decision %s %s conf=%.2f size=%.2f", ev.Pair, strings.ToUpper(string(d.Action)), d.Confidence, d.SizeFraction)
		if !d.StopLoss.IsZero() {
			fmt.Fprintf(&b, " SL=%s TP=%s", d.StopLoss.StringFixed(2), d.TakeProfit.StringFixed(2))
		}
		fmt.Fprintf(&b, "\n%s", d.Reason)
		if d.Verdict.Rationale != "" {
			fmt.Fprintf(&b, "\nOracle: %s", d.Verdict.Rationale)
		}
	case KindOrderStateChanged:
		o := ev.Order
		fmt.Fprintf(&b, "Order %s %s %s %s: %s -> %s", ev.Pair, o.Side, o.RequestedQty, short(o.CorrelationID), ev.From, o.Status)
		if o.FilledQty.IsPositive() {
			fmt.Fprintf(&b, " filled=%s cost=%s", o.FilledQty, o.FilledCost.StringFixed(2))
		}
	case KindRiskRejected:
		fmt.Fprintf(&b, "Risk rejected %s: %s (%s)", ev.Pair, ev.Rejection.Reason, ev.Rejection.Detail)
	case KindDiscrepancy:
		d := ev.Discrepancy
		fmt.Fprintf(&b, "Reconciliation %s %s: local=%s exchange=%s", d.Kind, firstNonEmpty(d.CorrelationID, d.Asset), d.Local, d.Exchange)
	case KindReconciliationStale:
		fmt.Fprintf(&b, "Ledger stale, new orders blocked")
	case KindFatal:
		fmt.Fprintf(&b, "FATAL %s", ev.Pair)
	default:
		b.WriteString(string(ev.Kind))
	}
	if ev.Message != "" && ev.Kind != KindDecision {
		fmt.Fprintf(&b, "\n%s", ev.Message)
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
