package llmobs

import (
	"context"
	"time"

	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/trace"
)

// observableLLM wraps an LLM client with observability (logging & tracing)
type observableLLM struct {
	llm      interfaces.LLM
	provider string
}

// Compile-time interface check
var _ interfaces.LLM = (*observableLLM)(nil)

// Wrap wraps an LLM client with observability middleware
func Wrap(llm interfaces.LLM, provider string) interfaces.LLM {
	return &observableLLM{llm: llm, provider: provider}
}

func (o *observableLLM) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "llm.Complete")
	defer span.End()

	start := time.Now()
	logger.DebugSkip(ctx, 1, "Requesting LLM completion",
		"provider", o.provider,
		"prompt_chars", len(prompt),
	)

	text, err := o.llm.Complete(ctx, prompt)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "LLM completion failed", err,
			"provider", o.provider,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return "", err
	}

	logger.InfoSkip(ctx, 1, "LLM completion received",
		"provider", o.provider,
		"response_chars", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}
