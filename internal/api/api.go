// Package api is the shared REST client used by the exchange adapter, the
// LLM providers and the Telegram sink.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"llm-crypto-trader/internal/logger"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    http.Header
	limiter    *RateLimiter
}

// HTTPError is returned for responses with status >= 400.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the server signalled a transient condition.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type ClientOption func(*Client)

// WithTimeout bounds every request, including reading the body.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithBaseURL is prepended to relative paths.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithRateLimiter makes every request wait for a token first.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) { c.limiter = rl }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		headers:    http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// ParseJSON decodes the body into v.
func (r *Response) ParseJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) GET(ctx context.Context, path string, headers ...map[string]string) (*Response, error) {
	return c.send(ctx, http.MethodGet, path, nil, "", headers)
}

// POST sends body as JSON.
func (c *Client) POST(ctx context.Context, path string, body any, headers ...map[string]string) (*Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.send(ctx, http.MethodPost, path, raw, "application/json", headers)
}

// PostForm sends form url-encoded, which the Kraken private API and the
// Telegram bot API both accept.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, headers ...map[string]string) (*Response, error) {
	return c.send(ctx, http.MethodPost, path, []byte(form.Encode()), "application/x-www-form-urlencoded", headers)
}

func (c *Client) resolve(path string) string {
	if c.baseURL == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType string, extra []map[string]string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	target := c.resolve(path)
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.headers {
		req.Header[k] = vs
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// per-call headers win over client defaults
	for _, h := range extra {
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug(ctx, "HTTP request failed", "method", method, "host", req.URL.Host, "error", err)
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	// only the host is logged; Telegram carries the bot token in the path
	logger.Debug(ctx, "HTTP response",
		"method", method,
		"host", req.URL.Host,
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"bytes", len(data))

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data, Headers: resp.Header}, nil
}

// BrowserHeaders are sent by the news scraper; some sites refuse bare clients.
func BrowserHeaders() map[string]string {
	return map[string]string{
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Accept":          "text/html,application/json;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
	}
}
