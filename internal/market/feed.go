// Package market pulls candles and ticker state for a pair and keeps a
// normalized rolling window per pair.
package market

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

type Config struct {
	Interval time.Duration
	Window   int
	Timeout  time.Duration
}

func ConfigFrom(cfg *store.Config) Config {
	return Config{
		Interval: cfg.CandleInterval(),
		Window:   cfg.Candles.Window,
		Timeout:  cfg.ExchangeTimeout(),
	}
}

// Feed fetches snapshots. Candle history is cached per pair so that each poll
// only asks the exchange for candles newer than the last one seen.
type Feed struct {
	ex  interfaces.Exchange
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	cache map[string][]types.Candle
}

func NewFeed(ex interfaces.Exchange, cfg Config) *Feed {
	return &Feed{ex: ex, cfg: cfg, now: time.Now, cache: map[string][]types.Candle{}}
}

// Snapshot fetches candles and the ticker concurrently. Either failure fails
// the snapshot; the cached history is left untouched in that case.
func (f *Feed) Snapshot(ctx context.Context, pair string) (types.Snapshot, error) {
	since := f.since(pair)

	var (
		fresh  []types.Candle
		ticker types.Ticker
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cctx, cancel := f.withTimeout(gctx)
		defer cancel()
		c, err := f.ex.Candles(cctx, pair, f.cfg.Interval, since)
		if err != nil {
			return fmt.Errorf("fetch candles %s: %w", pair, err)
		}
		fresh = c
		return nil
	})
	g.Go(func() error {
		cctx, cancel := f.withTimeout(gctx)
		defer cancel()
		t, err := f.ex.Ticker(cctx, pair)
		if err != nil {
			return fmt.Errorf("fetch ticker %s: %w", pair, err)
		}
		ticker = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.Snapshot{}, err
	}

	now := f.now()
	candles := f.merge(ctx, pair, fresh, now)
	if ticker.Pair == "" {
		ticker.Pair = pair
	}
	return types.Snapshot{Pair: pair, Candles: candles, Ticker: ticker, FetchedAt: now.UTC()}, nil
}

func (f *Feed) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.cfg.Timeout)
}

func (f *Feed) since(pair string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cache[pair]
	if len(c) == 0 {
		return 0
	}
	return c[len(c)-1].Ts
}

func (f *Feed) merge(ctx context.Context, pair string, fresh []types.Candle, now time.Time) []types.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := append(append([]types.Candle{}, f.cache[pair]...), fresh...)
	norm, dropped := Normalize(all, f.cfg.Interval, now)
	if dropped > 0 {
		logger.Debug(ctx, "Dropped candles during normalization", "pair", pair, "dropped", dropped)
	}
	if f.cfg.Window > 0 && len(norm) > f.cfg.Window {
		norm = norm[len(norm)-f.cfg.Window:]
	}
	f.cache[pair] = norm

	out := make([]types.Candle, len(norm))
	copy(out, norm)
	return out
}

// Normalize sorts candles by timestamp and keeps the last occurrence of each
// timestamp. It drops invalid candles and the still-forming candle whose
// interval has not closed by now. The result is strictly increasing.
func Normalize(in []types.Candle, interval time.Duration, now time.Time) ([]types.Candle, int) {
	idx := make([]int, 0, len(in))
	for i := range in {
		idx = append(idx, i)
	}
	// stable so that later duplicates win
	sort.SliceStable(idx, func(a, b int) bool { return in[idx[a]].Ts < in[idx[b]].Ts })

	out := make([]types.Candle, 0, len(in))
	dropped := 0
	for _, i := range idx {
		c := in[i]
		if !valid(c) {
			dropped++
			continue
		}
		if interval > 0 && !now.IsZero() && time.Unix(c.Ts, 0).Add(interval).After(now) {
			dropped++
			continue
		}
		if n := len(out); n > 0 && out[n-1].Ts == c.Ts {
			out[n-1] = c
			dropped++
			continue
		}
		out = append(out, c)
	}
	return out, dropped
}

func valid(c types.Candle) bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return c.Ts > 0 && c.Close > 0 && c.High >= c.Low
}
