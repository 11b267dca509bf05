package ta

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMAAndSeriesAgree(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5, 6}
	s := SMASeries(vals, 3)

	assert.True(t, math.IsNaN(s[0]))
	assert.True(t, math.IsNaN(s[1]))
	assert.InDelta(t, 2.0, s[2], 1e-12)
	assert.InDelta(t, 5.0, s[5], 1e-12)
	assert.InDelta(t, SMA(vals, 3), s[5], 1e-12)
	assert.True(t, math.IsNaN(SMA(vals, 10)))
}

func TestEMASeriesSeedsWithSMA(t *testing.T) {
	vals := []float64{2, 4, 6, 8}
	e := EMASeries(vals, 3)

	assert.True(t, math.IsNaN(e[1]))
	assert.InDelta(t, 4.0, e[2], 1e-12)
	// alpha = 0.5
	assert.InDelta(t, 6.0, e[3], 1e-12)
	assert.Equal(t, 2, Warmup(e))
}

func TestRSI(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 100.0, RSI(up, 4))

	mixed := []float64{10, 11, 10, 11, 10}
	assert.InDelta(t, 50.0, RSI(mixed, 4), 1e-9)

	assert.True(t, math.IsNaN(RSI(up, 10)))
	s := RSISeries(up, 4)
	assert.Equal(t, 4, Warmup(s))
}

func TestMACDSeriesSignFollowsTrend(t *testing.T) {
	vals := make([]float64, 40)
	for i := range vals {
		vals[i] = 100 * math.Pow(1.01, float64(i))
	}
	m := MACDSeries(vals, 5, 10)
	assert.Equal(t, 9, Warmup(m))
	assert.Greater(t, m[len(m)-1], 0.0)
}

func TestOBVSeries(t *testing.T) {
	closes := []float64{10, 11, 11, 9}
	vols := []float64{5, 2, 3, 4}
	assert.Equal(t, []float64{0, 2, 2, -2}, OBVSeries(closes, vols))

	bad := OBVSeries(closes, vols[:2])
	assert.True(t, math.IsNaN(bad[0]))
}

func TestBollingerAndATR(t *testing.T) {
	closes := []float64{10, 10, 10, 10}
	mid, up, low := Bollinger(closes, 4, 2)
	assert.Equal(t, 10.0, mid)
	assert.Equal(t, 10.0, up)
	assert.Equal(t, 10.0, low)

	highs := []float64{11, 12, 13}
	lows := []float64{9, 10, 11}
	cl := []float64{10, 11, 12}
	assert.InDelta(t, 2.0, ATR(highs, lows, cl, 2), 1e-12)
	assert.True(t, math.IsNaN(ATR(highs, lows[:2], cl, 2)))
}
