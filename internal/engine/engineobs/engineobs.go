package engineobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/trace"
	"llm-crypto-trader/internal/types"
)

type observableEngine struct {
	engine interfaces.Engine
}

var _ interfaces.Engine = (*observableEngine)(nil)

func Wrap(eng interfaces.Engine) interfaces.Engine {
	return &observableEngine{engine: eng}
}

func (oe *observableEngine) Step(ctx context.Context, pair string) (*types.StepResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Step")
	defer span.End()
	span.SetAttributes(attribute.String("pair", pair))

	start := time.Now()
	logger.DebugSkip(ctx, 1, "Starting decision cycle", "pair", pair)

	result, err := oe.engine.Step(ctx, pair)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Decision cycle failed", err,
			"pair", pair,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return result, err
	}

	fields := []any{"pair", pair, "duration_ms", time.Since(start).Milliseconds()}
	switch {
	case result.Skipped:
		fields = append(fields, "skipped", result.SkipReason)
	case result.Decision != nil:
		fields = append(fields, "action", result.Decision.Action, "confidence", result.Decision.Confidence)
		span.SetAttributes(attribute.String("action", string(result.Decision.Action)))
	}
	if result.Rejection != nil {
		fields = append(fields, "rejected", result.Rejection.Reason)
	}
	if result.Order != nil {
		fields = append(fields, "correlation_id", result.Order.CorrelationID, "order_status", result.Order.Status)
	}
	logger.InfoSkip(ctx, 1, "Decision cycle completed", fields...)
	return result, nil
}
