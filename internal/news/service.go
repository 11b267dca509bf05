package news

import (
	"context"
	"sync"
	"time"

	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

// Service provides recent headlines per asset with caching
type Service struct {
	scraper *Scraper
	cache   *headlineCache
	cfg     ServiceConfig
}

// ServiceConfig configures the headline service
type ServiceConfig struct {
	MaxHeadlines   int           // Maximum headlines returned per asset
	CacheDuration  time.Duration // How long to cache headlines
	ScraperTimeout time.Duration // Timeout for one scrape of all sources
	Enabled        bool
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxHeadlines:   8,
		CacheDuration:  30 * time.Minute,
		ScraperTimeout: 10 * time.Second,
		Enabled:        true,
	}
}

func ConfigFrom(cfg *store.Config) ServiceConfig {
	return ServiceConfig{
		MaxHeadlines:   cfg.News.MaxHeadlines,
		CacheDuration:  time.Duration(cfg.News.CacheMinutes) * time.Minute,
		ScraperTimeout: time.Duration(cfg.News.TimeoutSeconds) * time.Second,
		Enabled:        cfg.News.Enabled,
	}
}

// headlineCache stores headlines temporarily
type headlineCache struct {
	mu   sync.RWMutex
	data map[string]*cacheEntry
	ttl  time.Duration
	now  func() time.Time
}

type cacheEntry struct {
	headlines []Headline
	timestamp time.Time
}

func newHeadlineCache(ttl time.Duration) *headlineCache {
	return &headlineCache{data: make(map[string]*cacheEntry), ttl: ttl, now: time.Now}
}

// get retrieves cached headlines if still valid
func (c *headlineCache) get(asset string) ([]Headline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[asset]
	if !exists || c.now().Sub(entry.timestamp) > c.ttl {
		return nil, false
	}
	return entry.headlines, true
}

func (c *headlineCache) set(asset string, hs []Headline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.data[asset] = &cacheEntry{headlines: hs, timestamp: now}
	for k, e := range c.data {
		if now.Sub(e.timestamp) > c.ttl {
			delete(c.data, k)
		}
	}
}

// NewService creates a headline service scraping the given sources, or the
// defaults when none are given.
func NewService(cfg ServiceConfig, sources ...Source) *Service {
	return &Service{
		scraper: NewScraper(cfg.ScraperTimeout, sources...),
		cache:   newHeadlineCache(cfg.CacheDuration),
		cfg:     cfg,
	}
}

// Headlines returns recent headline titles for the base asset of pair. It
// never fails: scraping problems yield whatever is cached, or nothing.
func (s *Service) Headlines(ctx context.Context, pair string) []string {
	if !s.cfg.Enabled {
		return nil
	}
	asset, _, ok := types.SplitPair(pair)
	if !ok {
		asset = pair
	}

	hs, ok := s.cache.get(asset)
	if !ok {
		sctx := ctx
		if s.cfg.ScraperTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, s.cfg.ScraperTimeout)
			defer cancel()
		}
		hs = s.scraper.Scrape(sctx, asset, s.cfg.MaxHeadlines)
		if len(hs) > 0 {
			s.cache.set(asset, hs)
		}
		logger.Debug(ctx, "Fetched fresh headlines", "asset", asset, "count", len(hs))
	}

	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Title)
	}
	return out
}

// ClearCache removes all cached headlines
func (s *Service) ClearCache() {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	s.cache.data = make(map[string]*cacheEntry)
}
