// Package signals derives technical indicators and their trend tags from a
// candle history. Compute is a pure function: identical input produces an
// identical SignalSet, which audit replay relies on.
package signals

import (
	"errors"
	"fmt"
	"math"
	"time"

	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/ta"
	"llm-crypto-trader/internal/types"
)

var ErrInsufficientHistory = errors.New("insufficient candle history")

const (
	NameSMA  = "sma"
	NameEMA  = "ema"
	NameRSI  = "rsi"
	NameMACD = "macd"
	NameOBV  = "obv"
)

type Config struct {
	SMAWindow     int
	EMAWindow     int
	RSIPeriod     int
	MACDFast      int
	MACDSlow      int
	BaselineShort int
	BaselineLong  int
	// Threshold is the minimum relative spread between the current value and
	// the long baseline before a trend is called.
	Threshold float64
}

func ConfigFrom(cfg *store.Config) Config {
	ind := cfg.Indicators
	return Config{
		SMAWindow:     ind.SMAWindow,
		EMAWindow:     ind.EMAWindow,
		RSIPeriod:     ind.RSIPeriod,
		MACDFast:      ind.MACDFast,
		MACDSlow:      ind.MACDSlow,
		BaselineShort: ind.BaselineShort,
		BaselineLong:  ind.BaselineLong,
		Threshold:     ind.TrendThreshold,
	}
}

type Computer struct {
	cfg Config
}

func New(cfg Config) *Computer {
	return &Computer{cfg: cfg}
}

// lookbacks returns the number of candles before each indicator's first value.
func (c *Computer) lookbacks() map[string]int {
	return map[string]int{
		NameSMA:  c.cfg.SMAWindow - 1,
		NameEMA:  c.cfg.EMAWindow - 1,
		NameRSI:  c.cfg.RSIPeriod,
		NameMACD: c.cfg.MACDSlow - 1,
		NameOBV:  0,
	}
}

// RequiredHistory is the minimum candle count Compute accepts.
func (c *Computer) RequiredHistory() int {
	longest := 0
	for _, lb := range c.lookbacks() {
		if lb > longest {
			longest = lb
		}
	}
	return longest + c.cfg.BaselineLong
}

func (c *Computer) Compute(history []types.Candle) (types.SignalSet, error) {
	need := c.RequiredHistory()
	if len(history) < need {
		return types.SignalSet{}, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientHistory, len(history), need)
	}

	closes := make([]float64, len(history))
	vols := make([]float64, len(history))
	for i, cd := range history {
		closes[i] = cd.Close
		vols[i] = cd.Volume
	}

	series := map[string][]float64{
		NameSMA:  ta.SMASeries(closes, c.cfg.SMAWindow),
		NameEMA:  ta.EMASeries(closes, c.cfg.EMAWindow),
		NameRSI:  ta.RSISeries(closes, c.cfg.RSIPeriod),
		NameMACD: ta.MACDSeries(closes, c.cfg.MACDFast, c.cfg.MACDSlow),
		NameOBV:  ta.OBVSeries(closes, vols),
	}

	out := make([]types.Signal, 0, len(series))
	for name, s := range series {
		out = append(out, c.signal(name, s))
	}
	at := time.Unix(history[len(history)-1].Ts, 0).UTC()
	return types.NewSignalSet(at, out...), nil
}

func (c *Computer) signal(name string, s []float64) types.Signal {
	cur := s[len(s)-1]
	if math.IsNaN(cur) || math.IsInf(cur, 0) {
		return types.Signal{Name: name, Value: 0, Trend: types.Neutral}
	}
	short := tailMean(s, c.cfg.BaselineShort)
	long := tailMean(s, c.cfg.BaselineLong)
	trend := Classify(cur, short, long, c.cfg.Threshold)
	if name == NameMACD {
		trend = zeroLine(cur, trend)
	}
	return types.Signal{Name: name, Value: cur, Trend: trend}
}

// zeroLine keeps a MACD trend only on its own side of zero. A negative MACD
// shrinking toward zero is a slowing decline, not a bullish reading.
func zeroLine(cur float64, trend types.Trend) types.Trend {
	switch {
	case trend == types.Bullish && cur <= 0:
		return types.Neutral
	case trend == types.Bearish && cur >= 0:
		return types.Neutral
	}
	return trend
}

// Classify compares a value against its short and long baselines.
func Classify(cur, short, long, threshold float64) types.Trend {
	if math.IsNaN(short) || math.IsNaN(long) {
		return types.Neutral
	}
	margin := threshold * math.Abs(long)
	switch {
	case cur > short && short > long && cur-long > margin:
		return types.Bullish
	case cur < short && short < long && long-cur > margin:
		return types.Bearish
	default:
		return types.Neutral
	}
}

func tailMean(s []float64, n int) float64 {
	if n <= 0 || len(s) < n {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range s[len(s)-n:] {
		if math.IsNaN(v) {
			return math.NaN()
		}
		sum += v
	}
	return sum / float64(n)
}
