// Package kraken implements interfaces.Exchange over Kraken's REST API.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"llm-crypto-trader/internal/api"
	"llm-crypto-trader/internal/exchange"
	"llm-crypto-trader/internal/interfaces"
)

const defaultBaseURL = "https://api.kraken.com"

type Params struct {
	APIKey     string
	PrivateKey string
	BaseURL    string
	Timeout    time.Duration
	// Pairs maps Kraken altnames in order responses back to "BASE/QUOTE".
	Pairs []string
}

// ParamsFromEnv reads KRAKEN_API_KEY and KRAKEN_PRIVATE_KEY.
func ParamsFromEnv() Params {
	return Params{
		APIKey:     os.Getenv("KRAKEN_API_KEY"),
		PrivateKey: os.Getenv("KRAKEN_PRIVATE_KEY"),
		BaseURL:    os.Getenv("KRAKEN_API_URL"),
	}
}

type Client struct {
	p      Params
	secret []byte
	http   *api.Client

	nonceMu   sync.Mutex
	lastNonce int64
}

var _ interfaces.Exchange = (*Client)(nil)

// New builds a client. The private key may be empty for market-data-only use.
func New(p Params) (*Client, error) {
	if p.BaseURL == "" {
		p.BaseURL = defaultBaseURL
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	var secret []byte
	if p.PrivateKey != "" {
		b, err := base64.StdEncoding.DecodeString(p.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("decode KRAKEN_PRIVATE_KEY: %w", err)
		}
		secret = b
	}
	return &Client{
		p:      p,
		secret: secret,
		http: api.NewClient(
			api.WithBaseURL(p.BaseURL),
			api.WithTimeout(p.Timeout),
			api.WithHeader("User-Agent", "llm-crypto-trader"),
			// Kraken's REST counter refills roughly one call every three seconds
			api.WithRateLimiter(api.NewRateLimiter(15, 3*time.Second)),
		),
	}, nil
}

// APIError carries Kraken's error list, e.g. ["EOrder:Insufficient funds"].
type APIError struct {
	Method string
	Errors []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kraken %s: %s", e.Method, strings.Join(e.Errors, "; "))
}

// Unwrap exposes the exchange error class for errors.Is.
func (e *APIError) Unwrap() error {
	for _, msg := range e.Errors {
		switch {
		case strings.Contains(msg, "Rate limit"),
			strings.Contains(msg, "Unavailable"),
			strings.Contains(msg, "Busy"),
			strings.Contains(msg, "Temporary lockout"),
			strings.Contains(msg, "Invalid nonce"):
			return exchange.ErrRetryable
		case strings.HasPrefix(msg, "EOrder:Unknown order"):
			return exchange.ErrNotFound
		}
	}
	return exchange.ErrFatal
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) decode(method string, resp *api.Response, out any) error {
	var env envelope
	if err := resp.ParseJSON(&env); err != nil {
		return fmt.Errorf("%w: kraken %s: %v", exchange.ErrAmbiguous, method, err)
	}
	if len(env.Error) > 0 {
		return &APIError{Method: method, Errors: env.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("kraken %s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) public(ctx context.Context, method string, q url.Values, out any) error {
	path := "/0/public/" + method
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.http.GET(ctx, path)
	if err != nil {
		return err
	}
	return c.decode(method, resp, out)
}

func (c *Client) nonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixNano()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// Sign computes API-Sign: HMAC-SHA512 of path + SHA256(nonce + body), keyed
// by the decoded secret.
func Sign(path string, form url.Values, secret []byte) string {
	body := form.Encode()
	sha := sha256.Sum256([]byte(form.Get("nonce") + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) private(ctx context.Context, method string, form url.Values, out any) error {
	if c.p.APIKey == "" || len(c.secret) == 0 {
		return fmt.Errorf("%w: missing KRAKEN_API_KEY/KRAKEN_PRIVATE_KEY", exchange.ErrFatal)
	}
	if form == nil {
		form = url.Values{}
	}
	form.Set("nonce", c.nonce())
	path := "/0/private/" + method
	resp, err := c.http.PostForm(ctx, path, form, map[string]string{
		"API-Key":  c.p.APIKey,
		"API-Sign": Sign(path, form, c.secret),
	})
	if err != nil {
		return err
	}
	return c.decode(method, resp, out)
}

var errNoResult = errors.New("empty result")
