package oracle

import (
	"math"
	"time"

	"llm-crypto-trader/internal/ta"
	"llm-crypto-trader/internal/types"
)

// Summary is the market context handed to the LLM.
type Summary struct {
	Pair         string         `json:"pair"`
	Last         string         `json:"last"`
	Bid          string         `json:"bid"`
	Ask          string         `json:"ask"`
	Volume24h    string         `json:"volume_24h"`
	RecentCloses []float64      `json:"recent_closes"`
	Signals      []types.Signal `json:"signals"`
	Volatility   Volatility     `json:"volatility"`
	Position     Position       `json:"position"`
	Headlines    []string       `json:"headlines,omitempty"`
	At           time.Time      `json:"at"`
}

type Volatility struct {
	ATR      float64 `json:"atr"`
	BBUpper  float64 `json:"bb_upper"`
	BBMiddle float64 `json:"bb_middle"`
	BBLower  float64 `json:"bb_lower"`
}

type Position struct {
	Base       string `json:"base"`
	Quote      string `json:"quote"`
	OpenOrders int    `json:"open_orders"`
}

type SummaryConfig struct {
	RecentCloses int
	ATRPeriod    int
	BBWindow     int
	BBStdDev     float64
}

func BuildSummary(snap types.Snapshot, set types.SignalSet, ledger types.LedgerSnapshot, headlines []string, cfg SummaryConfig) Summary {
	n := len(snap.Candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range snap.Candles {
		closes[i], highs[i], lows[i] = c.Close, c.High, c.Low
	}

	recent := closes
	if cfg.RecentCloses > 0 && n > cfg.RecentCloses {
		recent = closes[n-cfg.RecentCloses:]
	}

	mid, up, low := ta.Bollinger(closes, cfg.BBWindow, cfg.BBStdDev)

	return Summary{
		Pair:         snap.Pair,
		Last:         snap.Ticker.Last.String(),
		Bid:          snap.Ticker.Bid.String(),
		Ask:          snap.Ticker.Ask.String(),
		Volume24h:    snap.Ticker.Volume24h.String(),
		RecentCloses: append([]float64(nil), recent...),
		Signals:      append([]types.Signal(nil), set.Signals...),
		Volatility: Volatility{
			ATR:      finite(ta.ATR(highs, lows, closes, cfg.ATRPeriod)),
			BBUpper:  finite(up),
			BBMiddle: finite(mid),
			BBLower:  finite(low),
		},
		Position: Position{
			Base:       ledger.Base.String(),
			Quote:      ledger.Quote.String(),
			OpenOrders: len(ledger.OpenOrders),
		},
		Headlines: headlines,
		At:        set.At,
	}
}

// JSON cannot encode NaN.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
