package noop

import (
	"context"

	"llm-crypto-trader/internal/logger"
)

// Client is the fallback when no LLM provider is configured. Its reply is a
// valid hold verdict, so the engine runs on technical signals only.
type Client struct{}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	logger.Debug(ctx, "Noop LLM called - always answers hold")
	return `{"stance":"hold","confidence":0,"rationale":"noop_llm_fallback"}`, nil
}
