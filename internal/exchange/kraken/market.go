package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/types"
)

// Candles returns OHLC rows after since (unix seconds, 0 for the default window).
func (c *Client) Candles(ctx context.Context, pair string, interval time.Duration, since int64) ([]types.Candle, error) {
	q := url.Values{}
	q.Set("pair", PairName(pair))
	q.Set("interval", strconv.Itoa(int(interval/time.Minute)))
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}

	var res map[string]json.RawMessage
	if err := c.public(ctx, "OHLC", q, &res); err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	for k, v := range res {
		if k == "last" {
			continue
		}
		if err := json.Unmarshal(v, &rows); err != nil {
			return nil, fmt.Errorf("kraken OHLC %s: %w", pair, err)
		}
		break
	}

	out := make([]types.Candle, 0, len(rows))
	for _, r := range rows {
		// [time, open, high, low, close, vwap, volume, count]
		if len(r) < 7 {
			continue
		}
		var ts int64
		if err := json.Unmarshal(r[0], &ts); err != nil {
			continue
		}
		c := types.Candle{
			Ts:     ts,
			Open:   num(r[1]),
			High:   num(r[2]),
			Low:    num(r[3]),
			Close:  num(r[4]),
			Volume: num(r[6]),
		}
		if c.Ts > since {
			out = append(out, c)
		}
	}
	return out, nil
}

type tickerInfo struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
}

func (c *Client) Ticker(ctx context.Context, pair string) (types.Ticker, error) {
	q := url.Values{}
	q.Set("pair", PairName(pair))

	var res map[string]tickerInfo
	if err := c.public(ctx, "Ticker", q, &res); err != nil {
		return types.Ticker{}, err
	}
	for _, info := range res {
		return types.Ticker{
			Pair:      pair,
			Ask:       first(info.Ask, 0),
			Bid:       first(info.Bid, 0),
			Last:      first(info.Last, 0),
			Volume24h: first(info.Volume, 1),
			Ts:        time.Now().Unix(),
		}, nil
	}
	return types.Ticker{}, fmt.Errorf("kraken Ticker %s: %w", pair, errNoResult)
}

// num decodes a Kraken numeric string; malformed values become 0 and are
// dropped later by candle validation.
func num(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var f float64
		_ = json.Unmarshal(raw, &f)
		return f
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func first(vals []string, i int) decimal.Decimal {
	if len(vals) <= i {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(vals[i])
	if err != nil {
		return decimal.Zero
	}
	return d
}
