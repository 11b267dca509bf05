package notify

import (
	"context"

	"llm-crypto-trader/internal/logger"
)

// LogSink writes every event to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindFatal, KindReconciliationStale, KindDiscrepancy:
		logger.Warn(ctx, "Operator event", "kind", ev.Kind, "pair", ev.Pair, "text", ev.Text())
	default:
		logger.Info(ctx, "Operator event", "kind", ev.Kind, "pair", ev.Pair, "text", ev.Text())
	}
	return nil
}
