package ta

import "math"

func SMA(closes []float64, n int) float64 {
	if len(closes) < n || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(closes) - n; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(n)
}
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return math.NaN()
	}
	gain, loss := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100.0
	}
	rs := gain / loss
	return 100.0 - (100.0 / (1.0 + rs))
}
func StdDev(vals []float64, n int) float64 {
	if len(vals) < n || n <= 0 {
		return math.NaN()
	}
	m := SMA(vals, n)
	s := 0.0
	for i := len(vals) - n; i < len(vals); i++ {
		d := vals[i] - m
		s += d * d
	}
	return math.Sqrt(s / float64(n))
}
func Bollinger(closes []float64, n int, k float64) (mid, up, low float64) {
	mid = SMA(closes, n)
	sd := StdDev(closes, n)
	up = mid + k*sd
	low = mid - k*sd
	return
}
func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return math.NaN()
	}
	if period <= 0 || len(closes) < period+1 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		tr1 := highs[i] - lows[i]
		tr2 := math.Abs(highs[i] - closes[i-1])
		tr3 := math.Abs(lows[i] - closes[i-1])
		sum += math.Max(tr1, math.Max(tr2, tr3))
	}
	return sum / float64(period)
}

// Series variants return one value per input element, NaN until warmed up.

func SMASeries(vals []float64, n int) []float64 {
	out := nanSlice(len(vals))
	if n <= 0 {
		return out
	}
	sum := 0.0
	for i, v := range vals {
		sum += v
		if i >= n {
			sum -= vals[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMASeries seeds with the SMA of the first n values.
func EMASeries(vals []float64, n int) []float64 {
	out := nanSlice(len(vals))
	if n <= 0 || len(vals) < n {
		return out
	}
	alpha := 2.0 / float64(n+1)
	seed := 0.0
	for i := 0; i < n; i++ {
		seed += vals[i]
	}
	prev := seed / float64(n)
	out[n-1] = prev
	for i := n; i < len(vals); i++ {
		prev = alpha*vals[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

func RSISeries(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	if period <= 0 {
		return out
	}
	for i := period; i < len(closes); i++ {
		out[i] = RSI(closes[:i+1], period)
	}
	return out
}

// MACDSeries returns the MACD line: EMA(fast) - EMA(slow).
func MACDSeries(closes []float64, fast, slow int) []float64 {
	f := EMASeries(closes, fast)
	s := EMASeries(closes, slow)
	out := nanSlice(len(closes))
	for i := range closes {
		if !math.IsNaN(f[i]) && !math.IsNaN(s[i]) {
			out[i] = f[i] - s[i]
		}
	}
	return out
}

// OBVSeries is on-balance volume starting from zero at the first candle.
func OBVSeries(closes, volumes []float64) []float64 {
	if len(closes) != len(volumes) {
		return nanSlice(len(closes))
	}
	out := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// Warmup is the index of the first non-NaN value in s, or -1.
func Warmup(s []float64) int {
	for i, v := range s {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
