package market

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
)

// Screener ranks candidate pairs by 24h quote volume.
type Screener struct {
	ex interfaces.Exchange
}

func NewScreener(ex interfaces.Exchange) *Screener {
	return &Screener{ex: ex}
}

// TopByVolume returns up to n candidates ordered by last*volume24h, highest first.
// Candidates whose ticker cannot be fetched are skipped.
func (s *Screener) TopByVolume(ctx context.Context, candidates []string, n int) ([]string, error) {
	type ranked struct {
		pair     string
		notional decimal.Decimal
	}
	var (
		mu  sync.Mutex
		out []ranked
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, pair := range candidates {
		pair := pair
		g.Go(func() error {
			t, err := s.ex.Ticker(gctx, pair)
			if err != nil {
				logger.Warn(ctx, "Screener skipped pair", "pair", pair, "error", err)
				return nil
			}
			mu.Lock()
			out = append(out, ranked{pair: pair, notional: t.Last.Mul(t.Volume24h)})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].notional.Cmp(out[j].notional); c != 0 {
			return c > 0
		}
		return out[i].pair < out[j].pair
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	pairs := make([]string, len(out))
	for i, r := range out {
		pairs[i] = r.pair
	}
	logger.Info(ctx, "Screener selected pairs", "pairs", pairs, "candidates", len(candidates))
	return pairs, nil
}
