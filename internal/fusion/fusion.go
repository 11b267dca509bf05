// Package fusion combines the technical vote and the oracle verdict into a
// single Decision. Conflict always resolves to hold.
package fusion

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

type Config struct {
	MaxSizeFraction float64
	MinConfidence   float64
	Staleness       time.Duration
	// ExcludeDegraded lets the technical majority decide alone when the
	// oracle is degraded, stale or missing.
	ExcludeDegraded bool
	StopLossPct     float64
	TakeProfitPct   float64
}

func ConfigFrom(cfg *store.Config) Config {
	return Config{
		MaxSizeFraction: cfg.Fusion.MaxSizeFraction,
		MinConfidence:   cfg.Fusion.MinConfidence,
		Staleness:       cfg.OracleStaleness(),
		ExcludeDegraded: cfg.Fusion.ExcludeDegradedOracle,
		StopLossPct:     cfg.Fusion.StopLossPct,
		TakeProfitPct:   cfg.Fusion.TakeProfitPct,
	}
}

type Fuser struct {
	cfg Config
}

func New(cfg Config) *Fuser {
	if cfg.MaxSizeFraction <= 0 || cfg.MaxSizeFraction > 1 {
		cfg.MaxSizeFraction = 1
	}
	return &Fuser{cfg: cfg}
}

// Tally returns the strict plurality trend of the set and the share of
// signals that voted for it. A tie for first place is neutral.
func Tally(set types.SignalSet) (types.Trend, float64) {
	if len(set.Signals) == 0 {
		return types.Neutral, 0
	}
	counts := map[types.Trend]int{}
	for _, s := range set.Signals {
		counts[s.Trend]++
	}
	best, bestN, tied := types.Neutral, -1, false
	for _, t := range []types.Trend{types.Bullish, types.Bearish, types.Neutral} {
		switch n := counts[t]; {
		case n > bestN:
			best, bestN, tied = t, n, false
		case n == bestN:
			tied = true
		}
	}
	if tied {
		return types.Neutral, float64(counts[types.Neutral]) / float64(len(set.Signals))
	}
	return best, float64(bestN) / float64(len(set.Signals))
}

// Fresh reports whether v may take part in the vote at now.
func (f *Fuser) Fresh(v types.OracleVerdict, now time.Time) bool {
	if v.Degraded || v.GeneratedAt.IsZero() {
		return false
	}
	if f.cfg.Staleness <= 0 {
		return true
	}
	return now.Sub(v.GeneratedAt) <= f.cfg.Staleness
}

func stanceTrend(s types.Stance) types.Trend {
	switch s {
	case types.StanceBuy:
		return types.Bullish
	case types.StanceSell:
		return types.Bearish
	default:
		return types.Neutral
	}
}

func trendAction(t types.Trend) types.Action {
	switch t {
	case types.Bullish:
		return types.ActionBuy
	case types.Bearish:
		return types.ActionSell
	default:
		return types.ActionHold
	}
}

// Fuse produces the cycle's decision. Pair and price are left for Price to fill.
func (f *Fuser) Fuse(set types.SignalSet, verdict types.OracleVerdict, now time.Time) types.Decision {
	if !f.Fresh(verdict, now) {
		cause := verdict.Cause
		if !verdict.Degraded {
			cause = "stale"
			if verdict.GeneratedAt.IsZero() {
				cause = "missing"
			}
		}
		verdict = types.DegradedVerdict(cause)
	}

	tech, ratio := Tally(set)
	oracleTrend := stanceTrend(verdict.Stance)

	d := types.Decision{
		ID:             uuid.NewString(),
		Signals:        set,
		Verdict:        verdict,
		TechnicalTrend: tech,
		AgreementRatio: ratio,
		DecidedAt:      now.UTC(),
	}

	switch {
	case verdict.Degraded && f.cfg.ExcludeDegraded:
		d.Action = trendAction(tech)
		d.Confidence = ratio
		d.Reason = fmt.Sprintf("technical %s alone, oracle %s", tech, verdict.Cause)
	case tech == oracleTrend:
		d.Action = trendAction(tech)
		d.Confidence = math.Max(ratio, verdict.Confidence)
		d.Reason = fmt.Sprintf("technical and oracle agree: %s", tech)
	default:
		d.Action = types.ActionHold
		d.Confidence = 0
		d.Reason = fmt.Sprintf("conflict: technical %s vs oracle %s", tech, verdict.Stance)
		if verdict.Degraded {
			d.Reason += " (" + verdict.Cause + ")"
		}
	}
	d.Confidence = clamp01(d.Confidence)

	if d.Action != types.ActionHold && d.Confidence < f.cfg.MinConfidence {
		d.Reason = fmt.Sprintf("confidence %.2f below minimum %.2f; %s", d.Confidence, f.cfg.MinConfidence, d.Reason)
		d.Action = types.ActionHold
	}
	if d.Action != types.ActionHold {
		d.SizeFraction = math.Min(f.cfg.MaxSizeFraction, f.cfg.MaxSizeFraction*d.Confidence)
	}
	return d
}

// Price stamps the pair, reference price and stop-loss/take-profit levels.
func (f *Fuser) Price(d types.Decision, pair string, price decimal.Decimal) types.Decision {
	d.Pair = pair
	d.Price = price
	if !price.IsPositive() {
		return d
	}
	sl := decimal.NewFromFloat(f.cfg.StopLossPct).Div(decimal.NewFromInt(100))
	tp := decimal.NewFromFloat(f.cfg.TakeProfitPct).Div(decimal.NewFromInt(100))
	one := decimal.NewFromInt(1)
	switch d.Action {
	case types.ActionBuy:
		d.StopLoss = price.Mul(one.Sub(sl))
		d.TakeProfit = price.Mul(one.Add(tp))
	case types.ActionSell:
		d.StopLoss = price.Mul(one.Add(sl))
		d.TakeProfit = price.Mul(one.Sub(tp))
	}
	return d
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
