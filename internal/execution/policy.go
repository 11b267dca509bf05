package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"llm-crypto-trader/internal/exchange"
	"llm-crypto-trader/internal/store"
)

var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy is a bounded exponential backoff. The zero value makes one attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

func PolicyFrom(cfg *store.Config) Policy {
	r := cfg.Execution.Retry
	return Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	factor := p.Multiplier
	if factor < 1 {
		factor = 1
	}

	wait := p.BaseDelay
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if p.MaxDelay > 0 && next > p.MaxDelay {
			wait = p.MaxDelay
			break
		}
		wait = next
	}
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}

	if p.Jitter <= 0 {
		return wait
	}
	jitter := p.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Do calls fn until it succeeds, fails with a class other than Retryable, or
// the attempts run out. It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error, classify func(error) exchange.Class) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if classify(err) != exchange.ClassRetryable {
			return attempt, err
		}
		if attempt == max {
			break
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, fmt.Errorf("retry interrupted: %w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
	return max, fmt.Errorf("%w after %d: %w", ErrAttemptsExhausted, max, err)
}
