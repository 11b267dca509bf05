package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-crypto-trader/internal/signals"
	"llm-crypto-trader/internal/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFuser(mod ...func(*Config)) *Fuser {
	cfg := Config{MaxSizeFraction: 0.5, Staleness: 5 * time.Minute, StopLossPct: 1, TakeProfitPct: 2}
	for _, m := range mod {
		m(&cfg)
	}
	return New(cfg)
}

func set(trends ...types.Trend) types.SignalSet {
	sigs := make([]types.Signal, len(trends))
	for i, t := range trends {
		sigs[i] = types.Signal{Name: string(rune('a' + i)), Trend: t}
	}
	return types.NewSignalSet(now, sigs...)
}

func verdict(s types.Stance, conf float64, age time.Duration) types.OracleVerdict {
	return types.OracleVerdict{Stance: s, Confidence: conf, GeneratedAt: now.Add(-age)}
}

func TestTally(t *testing.T) {
	tr, ratio := Tally(set(types.Bullish, types.Bullish, types.Bearish, types.Neutral))
	assert.Equal(t, types.Bullish, tr)
	assert.Equal(t, 0.5, ratio)

	tr, _ = Tally(set(types.Bullish, types.Bearish, types.Neutral))
	assert.Equal(t, types.Neutral, tr, "three-way tie")

	tr, ratio = Tally(set(types.Bullish, types.Bullish, types.Bearish, types.Bearish, types.Neutral))
	assert.Equal(t, types.Neutral, tr)
	assert.InDelta(t, 0.2, ratio, 1e-12)

	tr, ratio = Tally(types.SignalSet{})
	assert.Equal(t, types.Neutral, tr)
	assert.Equal(t, 0.0, ratio)
}

func TestAgreementTakesMaxConfidence(t *testing.T) {
	f := newFuser()
	d := f.Fuse(set(types.Bearish, types.Bearish, types.Bearish, types.Neutral), verdict(types.StanceSell, 0.6, time.Minute), now)
	assert.Equal(t, types.ActionSell, d.Action)
	assert.Equal(t, 0.75, d.Confidence)
	assert.Equal(t, 0.375, d.SizeFraction)
	assert.NotEmpty(t, d.ID)
}

func TestDisagreementAlwaysHolds(t *testing.T) {
	f := newFuser()
	for _, conf := range []float64{0, 0.3, 0.99, 1} {
		d := f.Fuse(set(types.Bullish, types.Bullish, types.Bullish), verdict(types.StanceSell, conf, 0), now)
		assert.Equal(t, types.ActionHold, d.Action)
		assert.Equal(t, 0.0, d.Confidence)
		assert.Equal(t, 0.0, d.SizeFraction)
		assert.Contains(t, d.Reason, "conflict")
	}
	d := f.Fuse(set(types.Bullish, types.Bullish), verdict(types.StanceHold, 1, 0), now)
	assert.Equal(t, types.ActionHold, d.Action)
}

func TestStaleVerdictBehavesAsAbsent(t *testing.T) {
	f := newFuser()
	for _, s := range []types.SignalSet{
		set(types.Bullish, types.Bullish, types.Neutral),
		set(types.Neutral, types.Neutral),
		set(types.Bearish),
	} {
		stale := f.Fuse(s, verdict(types.StanceBuy, 0.95, 10*time.Minute), now)
		absent := f.Fuse(s, types.DegradedVerdict("unavailable"), now)
		assert.Equal(t, absent.Action, stale.Action)
		assert.Equal(t, absent.Confidence, stale.Confidence)
		assert.Equal(t, absent.SizeFraction, stale.SizeFraction)
		assert.True(t, stale.Verdict.Degraded)
		assert.Equal(t, "stale", stale.Verdict.Cause)
	}
}

func TestZeroGeneratedAtIsMissing(t *testing.T) {
	d := newFuser().Fuse(set(types.Neutral), types.OracleVerdict{Stance: types.StanceBuy, Confidence: 1}, now)
	assert.Equal(t, "missing", d.Verdict.Cause)
	assert.Equal(t, types.ActionHold, d.Action)
}

func TestDegradedOracleIsNeutralVoteByDefault(t *testing.T) {
	d := newFuser().Fuse(set(types.Bullish, types.Bullish, types.Bullish), types.DegradedVerdict("unavailable"), now)
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Equal(t, 0.0, d.Confidence)
}

func TestExcludeDegradedLetsTechnicalDecide(t *testing.T) {
	f := newFuser(func(c *Config) { c.ExcludeDegraded = true })
	d := f.Fuse(set(types.Bullish, types.Bullish, types.Neutral, types.Bullish), types.DegradedVerdict("malformed"), now)
	assert.Equal(t, types.ActionBuy, d.Action)
	assert.Equal(t, 0.75, d.Confidence)

	// a fresh verdict still votes
	d = f.Fuse(set(types.Bullish, types.Bullish), verdict(types.StanceSell, 0.9, 0), now)
	assert.Equal(t, types.ActionHold, d.Action)
}

func TestMinConfidenceCollapsesToHold(t *testing.T) {
	f := newFuser(func(c *Config) { c.MinConfidence = 0.8 })
	d := f.Fuse(set(types.Bullish, types.Bullish, types.Neutral), verdict(types.StanceBuy, 0.7, 0), now)
	assert.Equal(t, types.ActionHold, d.Action)
	assert.Equal(t, 0.0, d.SizeFraction)
	assert.Contains(t, d.Reason, "below minimum")
}

func TestSizeFractionMonotonicInConfidence(t *testing.T) {
	f := newFuser()
	prev := -1.0
	for c := 0.0; c <= 1.0; c += 0.05 {
		d := f.Fuse(set(types.Bullish, types.Neutral, types.Neutral, types.Bullish, types.Bullish), verdict(types.StanceBuy, c, 0), now)
		assert.GreaterOrEqual(t, d.SizeFraction, prev)
		assert.LessOrEqual(t, d.SizeFraction, 0.5)
		prev = d.SizeFraction
	}
}

func TestUptrendWithConfidentBuyOracle(t *testing.T) {
	comp := signals.New(signals.Config{SMAWindow: 10, EMAWindow: 10, RSIPeriod: 14, MACDFast: 12, MACDSlow: 26, BaselineShort: 5, BaselineLong: 15})
	candles := make([]types.Candle, 50)
	for i := range candles {
		c := 100 * math.Pow(1.01, float64(i))
		candles[i] = types.Candle{Ts: now.Unix() - int64(50-i)*900, Open: c, High: c, Low: c, Close: c, Volume: 5}
	}
	s, err := comp.Compute(candles)
	require.NoError(t, err)

	d := newFuser().Fuse(s, verdict(types.StanceBuy, 0.9, 30*time.Second), now)
	assert.Equal(t, types.Bullish, d.TechnicalTrend)
	assert.Equal(t, types.ActionBuy, d.Action)
	assert.GreaterOrEqual(t, d.Confidence, 0.9)
}

func TestPriceSetsReferenceLevels(t *testing.T) {
	f := newFuser()
	buy := f.Price(types.Decision{Action: types.ActionBuy}, "BTC/USD", decimal.NewFromInt(100))
	assert.Equal(t, "BTC/USD", buy.Pair)
	assert.True(t, buy.StopLoss.Equal(decimal.NewFromInt(99)))
	assert.True(t, buy.TakeProfit.Equal(decimal.NewFromInt(102)))

	sell := f.Price(types.Decision{Action: types.ActionSell}, "BTC/USD", decimal.NewFromInt(100))
	assert.True(t, sell.StopLoss.Equal(decimal.NewFromInt(101)))
	assert.True(t, sell.TakeProfit.Equal(decimal.NewFromInt(98)))

	hold := f.Price(types.Decision{Action: types.ActionHold}, "BTC/USD", decimal.NewFromInt(100))
	assert.True(t, hold.StopLoss.IsZero())
}
