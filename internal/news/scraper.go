package news

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"llm-crypto-trader/internal/api"
	"llm-crypto-trader/internal/logger"
)

// Headline is one scraped news item.
type Headline struct {
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Source    string    `json:"source"`
	Asset     string    `json:"asset"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Source defines where to look for headlines about an asset
type Source struct {
	Name       string
	BaseURL    string
	SearchPath string // e.g. "/tag/{asset}", {asset} is the lower-cased long name
	Selectors  Selectors
}

// Selectors defines CSS selectors for extracting headlines
type Selectors struct {
	Item  string
	Title string
	Link  string
}

// Scraper handles scraping headlines from multiple sources
type Scraper struct {
	sources []Source
	timeout time.Duration
}

func NewScraper(timeout time.Duration, sources ...Source) *Scraper {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	return &Scraper{sources: sources, timeout: timeout}
}

// DefaultSources returns crypto news sites with per-asset tag pages.
func DefaultSources() []Source {
	return []Source{
		{
			Name:       "CoinDesk",
			BaseURL:    "https://www.coindesk.com",
			SearchPath: "/tag/{asset}",
			Selectors:  Selectors{Item: "div.article-cardstyles__AcRoot, div[data-module='article-card']", Title: "h4, h5, h6", Link: "a"},
		},
		{
			Name:       "Cointelegraph",
			BaseURL:    "https://cointelegraph.com",
			SearchPath: "/tags/{asset}",
			Selectors:  Selectors{Item: "article.post-card-inline", Title: "span.post-card-inline__title", Link: "a.post-card-inline__title-link"},
		},
	}
}

// assetNames maps tickers to the names news sites tag them with.
var assetNames = map[string]string{
	"BTC":  "bitcoin",
	"XBT":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"XRP":  "xrp",
	"ADA":  "cardano",
	"DOGE": "dogecoin",
	"DOT":  "polkadot",
	"LTC":  "litecoin",
	"AVAX": "avalanche",
	"LINK": "chainlink",
}

func tagFor(asset string) string {
	if n, ok := assetNames[strings.ToUpper(asset)]; ok {
		return n
	}
	return strings.ToLower(asset)
}

// Scrape fetches up to max headlines for asset across all sources. A failing
// source is logged and skipped.
func (s *Scraper) Scrape(ctx context.Context, asset string, max int) []Headline {
	var out []Headline
	for _, src := range s.sources {
		if len(out) >= max {
			break
		}
		hs, err := s.scrapeSource(ctx, src, asset, max-len(out))
		if err != nil {
			logger.ErrorWithErr(ctx, "Failed to scrape source", err, "source", src.Name, "asset", asset)
			continue
		}
		out = append(out, hs...)
	}
	return out
}

func (s *Scraper) scrapeSource(ctx context.Context, src Source, asset string, max int) ([]Headline, error) {
	var out []Headline
	var scraped error
	seen := map[string]bool{}
	now := time.Now().UTC()

	c := colly.NewCollector(
		colly.AllowedDomains(getDomain(src.BaseURL)),
		colly.MaxDepth(1),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(s.timeout)

	c.OnRequest(func(r *colly.Request) {
		for k, v := range api.BrowserHeaders() {
			r.Headers.Set(k, v)
		}
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})

	c.OnHTML(src.Selectors.Item, func(e *colly.HTMLElement) {
		if len(out) >= max {
			return
		}
		h, ok := headlineFrom(e.DOM, src)
		if !ok || seen[h.Title] {
			return
		}
		seen[h.Title] = true
		h.Asset = strings.ToUpper(asset)
		h.FetchedAt = now
		out = append(out, h)
	})

	c.OnError(func(r *colly.Response, err error) {
		scraped = fmt.Errorf("%s returned %d: %w", r.Request.URL, r.StatusCode, err)
	})

	target := src.BaseURL + strings.ReplaceAll(src.SearchPath, "{asset}", url.PathEscape(tagFor(asset)))
	if err := c.Visit(target); err != nil {
		return nil, fmt.Errorf("failed to visit %s: %w", target, err)
	}
	c.Wait()
	if scraped != nil {
		return nil, scraped
	}
	return out, nil
}

// headlineFrom extracts a headline from one list item.
func headlineFrom(item *goquery.Selection, src Source) (Headline, bool) {
	title := strings.Join(strings.Fields(item.Find(src.Selectors.Title).First().Text()), " ")
	if title == "" {
		return Headline{}, false
	}
	link, _ := item.Find(src.Selectors.Link).First().Attr("href")
	if link == "" {
		if href, ok := item.Attr("href"); ok {
			link = href
		}
	}
	if link != "" && !strings.HasPrefix(link, "http") {
		link = strings.TrimRight(src.BaseURL, "/") + "/" + strings.TrimLeft(link, "/")
	}
	return Headline{Title: title, URL: link, Source: src.Name}, true
}

// getDomain extracts domain from URL
func getDomain(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
