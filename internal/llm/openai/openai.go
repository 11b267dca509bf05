package openai

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

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

// Client is a chat-completions backed text completer.
type Client struct {
	cfg      *store.Config
	endpoint string
	http     *api.Client
}

func NewClient(cfg *store.Config) *Client {
	endpoint := defaultEndpoint
	if ep := os.Getenv("OPENAI_API_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		http:     api.NewClient(api.WithTimeout(2 * time.Minute)),
	}
}

func apiKey() string {
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		return k
	}
	return os.Getenv("LLM_API_KEY")
}

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "openai-api-call")
	defer span.End()

	key := apiKey()
	if key == "" {
		return "", errors.New("OPENAI_API_KEY missing")
	}

	body := map[string]any{
		"model":       c.cfg.LLM.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": c.cfg.LLM.Temperature,
		"max_tokens":  c.cfg.LLM.MaxTokens,
	}
	resp, err := c.http.POST(ctx, c.endpoint, body, map[string]string{"Authorization": "Bearer " + key})
	if err != nil {
		return "", err
	}

	var r struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := resp.ParseJSON(&r); err != nil {
		return "", err
	}
	if len(r.Choices) == 0 {
		return "", errors.New("no choices")
	}
	return strings.TrimSpace(r.Choices[0].Message.Content), nil
}
