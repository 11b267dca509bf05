package claude

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"llm-crypto-trader/internal/api"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/trace"
)

// Client calls the Anthropic Messages API and returns the assistant text.
type Client struct {
	cfg      *store.Config
	endpoint string
	http     *api.Client
}

func NewClient(cfg *store.Config) *Client {
	endpoint := "https://api.anthropic.com/v1/messages"
	// Proxies set CLAUDE_API_ENDPOINT
	if ep := os.Getenv("CLAUDE_API_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		http: api.NewClient(
			api.WithTimeout(2*time.Minute),
			api.WithHeader("anthropic-version", "2023-06-01"),
		),
	}
}

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "claude-api-call")
	defer span.End()

	key := os.Getenv("CLAUDE_API_KEY")
	if key == "" {
		key = os.Getenv("LLM_API_KEY")
	}
	if key == "" {
		return "", errors.New("CLAUDE_API_KEY missing")
	}

	body := map[string]any{
		"model":       c.cfg.LLM.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"max_tokens":  c.cfg.LLM.MaxTokens,
		"temperature": c.cfg.LLM.Temperature,
	}
	resp, err := c.http.POST(ctx, c.endpoint, body, map[string]string{"x-api-key": key})
	if err != nil {
		return "", err
	}

	var r struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := resp.ParseJSON(&r); err != nil {
		// not JSON; hand the raw body to the validator
		return string(resp.Body), nil
	}
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" || block.Type == "" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("claude response has no text content")
	}
	return strings.TrimSpace(sb.String()), nil
}
