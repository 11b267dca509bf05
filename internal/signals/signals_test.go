package signals

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-crypto-trader/internal/types"
)

func testConfig() Config {
	return Config{
		SMAWindow:     10,
		EMAWindow:     10,
		RSIPeriod:     14,
		MACDFast:      12,
		MACDSlow:      26,
		BaselineShort: 5,
		BaselineLong:  15,
		Threshold:     0,
	}
}

func trendCandles(n int, growth float64) []types.Candle {
	out := make([]types.Candle, n)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	for i := range out {
		c := 100 * math.Pow(growth, float64(i))
		out[i] = types.Candle{Ts: start + int64(i)*900, Open: c, High: c * 1.001, Low: c * 0.999, Close: c, Volume: 10}
	}
	return out
}

func TestRequiredHistory(t *testing.T) {
	c := New(testConfig())
	// macd slow lookback 25 + long baseline 15
	assert.Equal(t, 40, c.RequiredHistory())
}

func TestComputeInsufficientHistory(t *testing.T) {
	c := New(testConfig())
	_, err := c.Compute(trendCandles(39, 1.01))
	require.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = c.Compute(trendCandles(40, 1.01))
	require.NoError(t, err)
}

func TestComputeUptrend(t *testing.T) {
	c := New(testConfig())
	set, err := c.Compute(trendCandles(50, 1.01))
	require.NoError(t, err)

	require.Len(t, set.Signals, 5)
	for _, name := range []string{NameSMA, NameEMA, NameMACD, NameOBV} {
		sig, ok := set.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, types.Bullish, sig.Trend, name)
	}
	rsi, _ := set.Get(NameRSI)
	assert.Equal(t, 100.0, rsi.Value)
	assert.Equal(t, types.Neutral, rsi.Trend)
}

func TestComputeDowntrend(t *testing.T) {
	c := New(testConfig())
	set, err := c.Compute(trendCandles(50, 0.99))
	require.NoError(t, err)

	for _, name := range []string{NameSMA, NameEMA, NameOBV} {
		sig, _ := set.Get(name)
		assert.Equal(t, types.Bearish, sig.Trend, name)
	}
	// the MACD line is negative but shrinking with price
	macd, _ := set.Get(NameMACD)
	assert.Less(t, macd.Value, 0.0)
	assert.Equal(t, types.Neutral, macd.Trend)
}

func TestZeroLineGatesMACD(t *testing.T) {
	assert.Equal(t, types.Bullish, zeroLine(0.5, types.Bullish))
	assert.Equal(t, types.Neutral, zeroLine(-0.5, types.Bullish))
	assert.Equal(t, types.Bearish, zeroLine(-0.5, types.Bearish))
	assert.Equal(t, types.Neutral, zeroLine(0.5, types.Bearish))
	assert.Equal(t, types.Neutral, zeroLine(0, types.Neutral))
}

func TestComputeIsDeterministic(t *testing.T) {
	c := New(testConfig())
	history := trendCandles(60, 1.003)

	a, err := c.Compute(history)
	require.NoError(t, err)
	b, err := c.Compute(history)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.Equal(t, string(ja), string(jb))
	assert.Equal(t, time.Unix(history[59].Ts, 0).UTC(), a.At)
}

func TestComputeToleratesGaps(t *testing.T) {
	c := New(testConfig())
	history := trendCandles(60, 1.01)
	gapped := append([]types.Candle{}, history[:20]...)
	gapped = append(gapped, history[25:]...)

	set, err := c.Compute(gapped)
	require.NoError(t, err)
	sma, _ := set.Get(NameSMA)
	assert.Equal(t, types.Bullish, sma.Trend)
}

func TestClassifyThreshold(t *testing.T) {
	assert.Equal(t, types.Bullish, Classify(110, 105, 100, 0.05))
	assert.Equal(t, types.Neutral, Classify(104, 102, 100, 0.05))
	assert.Equal(t, types.Bearish, Classify(90, 95, 100, 0.05))
	assert.Equal(t, types.Neutral, Classify(110, 95, 100, 0))
	assert.Equal(t, types.Neutral, Classify(110, math.NaN(), 100, 0))
}
