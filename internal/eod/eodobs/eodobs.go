package eodobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/trace"
)

type observableEodSummarizer struct {
	summarizer interfaces.EodSummarizer
}

var _ interfaces.EodSummarizer = (*observableEodSummarizer)(nil)

func Wrap(summarizer interfaces.EodSummarizer) interfaces.EodSummarizer {
	return &observableEodSummarizer{summarizer: summarizer}
}

func (oes *observableEodSummarizer) SummarizeDay(t time.Time) (string, error) {
	day := t.UTC().Format("2006-01-02")
	return oes.observe("eod.SummarizeDay", day, func() (string, error) {
		return oes.summarizer.SummarizeDay(t)
	})
}

func (oes *observableEodSummarizer) SummarizeToday() (string, error) {
	day := time.Now().UTC().Format("2006-01-02")
	return oes.observe("eod.SummarizeToday", day, oes.summarizer.SummarizeToday)
}

// observe runs fn inside a span. Skip depth 2 attributes log lines to the
// exported method rather than this helper.
func (oes *observableEodSummarizer) observe(span, day string, fn func() (string, error)) (string, error) {
	ctx, s := trace.StartSpan(context.Background(), span)
	defer s.End()
	s.SetAttributes(attribute.String("day", day))

	start := time.Now()
	csvPath, err := fn()
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 2, "EOD summary failed", err, "day", day)
		return "", err
	}
	if csvPath == "" {
		logger.InfoSkip(ctx, 2, "No orders closed with fills, EOD summary skipped", "day", day)
		return "", nil
	}
	logger.InfoSkip(ctx, 2, "EOD summary written",
		"day", day,
		"csv_path", csvPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return csvPath, nil
}

func (oes *observableEodSummarizer) ShouldRunNow() (bool, string) {
	shouldRun, csvPath := oes.summarizer.ShouldRunNow()
	if shouldRun {
		logger.DebugSkip(context.Background(), 1, "EOD cutoff passed", "csv_path", csvPath)
	}
	return shouldRun, csvPath
}
