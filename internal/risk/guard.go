// Package risk sizes decisions into order intents and rejects any that would
// breach position, order or balance limits. It never downsizes silently.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

type Config struct {
	MaxPositionQuote decimal.Decimal
	MaxOrderQuote    decimal.Decimal
	MinOrderQty      decimal.Decimal
	LotDecimals      int32
	FeeRate          decimal.Decimal
	OrderType        types.OrderType
}

func ConfigFrom(cfg *store.Config) Config {
	return Config{
		MaxPositionQuote: decimal.NewFromFloat(cfg.Risk.MaxPositionQuote),
		MaxOrderQuote:    decimal.NewFromFloat(cfg.Risk.MaxOrderQuote),
		MinOrderQty:      decimal.NewFromFloat(cfg.Risk.MinOrderQty),
		LotDecimals:      cfg.Risk.LotDecimals,
		FeeRate:          decimal.NewFromFloat(cfg.Risk.FeeRate),
		OrderType:        types.OrderType(cfg.Execution.OrderType),
	}
}

type Guard struct {
	cfg Config
}

func New(cfg Config) *Guard {
	if cfg.OrderType == "" {
		cfg.OrderType = types.OrderTypeMarket
	}
	return &Guard{cfg: cfg}
}

func reject(reason types.RejectReason, format string, args ...any) *types.Rejection {
	return &types.Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validate turns a decision into a sized order intent or an enumerated rejection.
//
// Parameters:
//   - d: the fused decision; only buy and sell can produce an intent
//   - snap: a ledger snapshot taken for this cycle
//   - price: the reference price the order is sized against
//
// Buys spend size_fraction of max_order_quote; sells release size_fraction of
// the available base. Quantities are truncated to the configured lot size.
func (g *Guard) Validate(d types.Decision, snap types.LedgerSnapshot, price decimal.Decimal) (types.OrderIntent, *types.Rejection) {
	var side types.Side
	switch d.Action {
	case types.ActionBuy:
		side = types.SideBuy
	case types.ActionSell:
		side = types.SideSell
	default:
		return types.OrderIntent{}, reject(types.RejectHold, "decision is %s", d.Action)
	}

	if snap.Stale {
		return types.OrderIntent{}, reject(types.RejectLedgerStale, "ledger stale: %s", snap.StaleReason)
	}
	if !price.IsPositive() {
		return types.OrderIntent{}, reject(types.RejectInvalidPrice, "reference price %s", price)
	}
	if snap.HasOpen(side) {
		return types.OrderIntent{}, reject(types.RejectDuplicatePending, "a %s order is already open on %s", side, d.Pair)
	}

	frac := decimal.NewFromFloat(d.SizeFraction)
	var qty decimal.Decimal
	if side == types.SideBuy {
		qty = frac.Mul(g.cfg.MaxOrderQuote).Div(price).RoundDown(g.cfg.LotDecimals)
	} else {
		qty = frac.Mul(snap.AvailableBase()).RoundDown(g.cfg.LotDecimals)
	}
	if !qty.IsPositive() || qty.LessThan(g.cfg.MinOrderQty) {
		return types.OrderIntent{}, reject(types.RejectBelowMinSize, "qty %s below minimum %s", qty, g.cfg.MinOrderQty)
	}

	notional := qty.Mul(price)
	if notional.GreaterThan(g.cfg.MaxOrderQuote) {
		return types.OrderIntent{}, reject(types.RejectMaxOrderSize, "notional %s exceeds max order %s", notional.StringFixed(2), g.cfg.MaxOrderQuote)
	}

	if side == types.SideBuy {
		exposure := snap.Base.Add(qty).Mul(price)
		if exposure.GreaterThan(g.cfg.MaxPositionQuote) {
			return types.OrderIntent{}, reject(types.RejectMaxPosition, "exposure %s exceeds max position %s", exposure.StringFixed(2), g.cfg.MaxPositionQuote)
		}
		cost := notional.Mul(decimal.NewFromInt(1).Add(g.cfg.FeeRate))
		if avail := snap.AvailableQuote(); cost.GreaterThan(avail) {
			return types.OrderIntent{}, reject(types.RejectInsufficientBalance, "needs %s %s, available %s", cost.StringFixed(8), snap.QuoteAsset, avail)
		}
	} else if avail := snap.AvailableBase(); qty.GreaterThan(avail) {
		return types.OrderIntent{}, reject(types.RejectInsufficientBalance, "needs %s %s, available %s", qty, snap.BaseAsset, avail)
	}

	return types.OrderIntent{
		Pair:       d.Pair,
		Side:       side,
		Type:       g.cfg.OrderType,
		Qty:        qty,
		Price:      price,
		DecisionID: d.ID,
	}, nil
}

// FeeRate is the rate Validate reserves on top of buy notional.
func (g *Guard) FeeRate() decimal.Decimal {
	return g.cfg.FeeRate
}
