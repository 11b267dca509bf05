// Package oracle asks an LLM for a qualitative market verdict and validates
// the reply. The oracle is advisory: callers that cannot use a verdict fall
// back to hold with zero confidence.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

var (
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrOracleMalformed   = errors.New("oracle response malformed")
)

const defaultSystem = "You are a disciplined crypto market analyst. Judge the summary and answer with STRICT JSON only."

type Config struct {
	Timeout      time.Duration
	MaxRationale int
	System       string
}

func ConfigFrom(cfg *store.Config) Config {
	return Config{
		Timeout:      cfg.OracleTimeout(),
		MaxRationale: cfg.Oracle.MaxRationale,
		System:       cfg.LLM.System,
	}
}

type Advisor struct {
	llm interfaces.LLM
	cfg Config
	now func() time.Time
}

func New(llm interfaces.LLM, cfg Config) *Advisor {
	if cfg.System == "" {
		cfg.System = defaultSystem
	}
	return &Advisor{llm: llm, cfg: cfg, now: time.Now}
}

// Prompt renders the request text for s.
func (a *Advisor) Prompt(s Summary) (string, error) {
	state, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\nSchema:%s\nState:%s\n\nRespond ONLY with compact JSON matching the schema.", a.cfg.System, Schema, state), nil
}

// Advise performs one bounded LLM call. It never retries.
func (a *Advisor) Advise(ctx context.Context, s Summary) (types.OracleVerdict, error) {
	prompt, err := a.Prompt(s)
	if err != nil {
		return types.OracleVerdict{}, fmt.Errorf("%w: encode summary: %v", ErrOracleMalformed, err)
	}

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := a.llm.Complete(ctx, prompt)
		done <- result{text, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return types.OracleVerdict{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return types.OracleVerdict{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, res.err)
	}

	v, err := ParseVerdict(res.text, a.cfg.MaxRationale)
	if err != nil {
		return types.OracleVerdict{}, err
	}
	v.GeneratedAt = a.now().UTC()
	return v, nil
}

// AdviseOrDegrade absorbs oracle failures into a degraded hold verdict.
func (a *Advisor) AdviseOrDegrade(ctx context.Context, s Summary) types.OracleVerdict {
	v, err := a.Advise(ctx, s)
	if err != nil {
		logger.Warn(ctx, "Oracle degraded to hold", "pair", s.Pair, "error", err)
		cause := "unavailable"
		if errors.Is(err, ErrOracleMalformed) {
			cause = "malformed"
		}
		return types.DegradedVerdict(cause)
	}
	return v
}

// AdviseAsync runs the call in the background and delivers exactly one verdict.
func (a *Advisor) AdviseAsync(ctx context.Context, s Summary) <-chan types.OracleVerdict {
	out := make(chan types.OracleVerdict, 1)
	go func() {
		out <- a.AdviseOrDegrade(ctx, s)
	}()
	return out
}
