package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	tracepkg "llm-crypto-trader/internal/trace"
)

var (
	// Global sugared logger; replaced by Init.
	base *zap.SugaredLogger = zap.NewNop().Sugar()
	// Whether debug-level and source details are emitted
	detailedLogging bool
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level           string // DEBUG, INFO, WARN, ERROR
	Format          string // json or console
	// Output is a zap sink path. Defaults to stderr; stdout carries cycle results.
	Output          string
	DetailedLogging bool
}

// Init initializes the global logger from environment variables
func Init() error {
	return InitWithConfig(LoadConfigFromEnv())
}

// LoadConfigFromEnv loads logging configuration from environment variables
func LoadConfigFromEnv() LogConfig {
	return LogConfig{
		Level:           getEnvOrDefault("LOG_LEVEL", "INFO"),
		Format:          getEnvOrDefault("LOG_FORMAT", "json"),
		Output:          getEnvOrDefault("LOG_OUTPUT", "stderr"),
		DetailedLogging: getEnvOrDefault("LOG_DETAILED", "false") == "true",
	}
}

// InitWithConfig builds the zap logger for the given configuration
func InitWithConfig(config LogConfig) error {
	detailedLogging = config.DetailedLogging

	level := parseLogLevel(config.Level)
	if detailedLogging {
		level = zapcore.DebugLevel
	}

	zc := zap.NewProductionConfig()
	if strings.EqualFold(config.Format, "console") || strings.EqualFold(config.Format, "text") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableCaller = !detailedLogging
	zc.DisableStacktrace = true
	out := config.Output
	if out == "" {
		out = "stderr"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}

	l, err := zc.Build(zap.AddCallerSkip(2))
	if err != nil {
		return err
	}
	base = l.Sugar()
	return nil
}

// UseLogger installs an existing zap logger. Tests use it with zaptest/observer.
func UseLogger(l *zap.Logger) {
	base = l.WithOptions(zap.AddCallerSkip(2)).Sugar()
}

// Sync flushes buffered entries
func Sync() error {
	return base.Sync()
}

func parseLogLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func traceArgs(ctx context.Context, args []any) []any {
	traceID, spanID, ok := tracepkg.GetTraceFields(ctx)
	if !ok {
		return args
	}
	return append([]any{"trace_id", traceID, "span_id", spanID}, args...)
}

func logAt(ctx context.Context, level zapcore.Level, skip int, msg string, args ...any) {
	l := base
	if skip > 0 {
		l = l.WithOptions(zap.AddCallerSkip(skip))
	}
	args = traceArgs(ctx, args)
	switch level {
	case zapcore.DebugLevel:
		l.Debugw(msg, args...)
	case zapcore.InfoLevel:
		l.Infow(msg, args...)
	case zapcore.WarnLevel:
		l.Warnw(msg, args...)
	default:
		l.Errorw(msg, args...)
	}
}

func recordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func Debug(ctx context.Context, msg string, args ...any) {
	if !detailedLogging {
		return
	}
	logAt(ctx, zapcore.DebugLevel, 0, msg, args...)
}

func Info(ctx context.Context, msg string, args ...any) {
	logAt(ctx, zapcore.InfoLevel, 0, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	logAt(ctx, zapcore.WarnLevel, 0, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	logAt(ctx, zapcore.ErrorLevel, 0, msg, args...)
}

// ErrorWithErr logs an error message and records err on the active span
func ErrorWithErr(ctx context.Context, msg string, err error, args ...any) {
	recordSpanError(ctx, err)
	logAt(ctx, zapcore.ErrorLevel, 0, msg, append([]any{"error", err}, args...)...)
}

// The *Skip variants drop extra frames so middleware reports its caller.

func DebugSkip(ctx context.Context, skip int, msg string, args ...any) {
	if !detailedLogging {
		return
	}
	logAt(ctx, zapcore.DebugLevel, skip, msg, args...)
}

func InfoSkip(ctx context.Context, skip int, msg string, args ...any) {
	logAt(ctx, zapcore.InfoLevel, skip, msg, args...)
}

func WarnSkip(ctx context.Context, skip int, msg string, args ...any) {
	logAt(ctx, zapcore.WarnLevel, skip, msg, args...)
}

func ErrorWithErrSkip(ctx context.Context, skip int, msg string, err error, args ...any) {
	recordSpanError(ctx, err)
	logAt(ctx, zapcore.ErrorLevel, skip, msg, append([]any{"error", err}, args...)...)
}

// OperationTimer measures an operation inside its own span
type OperationTimer struct {
	ctx    context.Context
	span   trace.Span
	start  time.Time
	fields []any
}

// StartOperation starts timing an operation with an OpenTelemetry span
func StartOperation(ctx context.Context, operation string, fields ...any) *OperationTimer {
	ctx, span := tracepkg.StartSpan(ctx, operation)
	span.SetAttributes(toAttributes(fields)...)
	Debug(ctx, "Operation started", append([]any{"operation", operation}, fields...)...)
	return &OperationTimer{ctx: ctx, span: span, start: time.Now(), fields: fields}
}

// End completes the operation timer and logs the duration
func (ot *OperationTimer) End(additionalFields ...any) {
	duration := time.Since(ot.start)
	ot.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
	ot.span.SetAttributes(toAttributes(additionalFields)...)
	ot.span.SetStatus(codes.Ok, "completed")
	ot.span.End()

	fields := append(append([]any{}, ot.fields...), "duration_ms", duration.Milliseconds())
	Debug(ot.ctx, "Operation completed", append(fields, additionalFields...)...)
}

// EndWithError completes the operation timer with an error
func (ot *OperationTimer) EndWithError(err error, additionalFields ...any) {
	duration := time.Since(ot.start)
	ot.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
	ot.span.RecordError(err)
	ot.span.SetStatus(codes.Error, err.Error())
	ot.span.End()

	fields := append(append([]any{}, ot.fields...), "duration_ms", duration.Milliseconds(), "error", err)
	Error(ot.ctx, "Operation failed", append(fields, additionalFields...)...)
}

// GetContext returns the context carrying the operation span
func (ot *OperationTimer) GetContext() context.Context {
	return ot.ctx
}

func toAttributes(fields []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		}
	}
	return attrs
}

// Decision logs a trading decision (always logged regardless of level)
func Decision(ctx context.Context, pair, action string, confidence float64, reason string, fields ...any) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("trading_decision", trace.WithAttributes(
			attribute.String("pair", pair),
			attribute.String("action", action),
			attribute.Float64("confidence", confidence),
		))
	}
	all := append([]any{"type", "DECISION", "pair", pair, "action", action, "confidence", confidence, "reason", reason}, fields...)
	logAt(ctx, zapcore.InfoLevel, 0, "Trading decision made", all...)
}

// Trade logs an order transition that moved money
func Trade(ctx context.Context, pair, side, qty, cost, correlationID string, fields ...any) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("trade_executed", trace.WithAttributes(
			attribute.String("pair", pair),
			attribute.String("side", side),
			attribute.String("quantity", qty),
			attribute.String("correlation_id", correlationID),
		))
	}
	all := append([]any{"type", "TRADE", "pair", pair, "side", side, "quantity", qty, "cost", cost, "correlation_id", correlationID}, fields...)
	logAt(ctx, zapcore.InfoLevel, 0, "Trade executed", all...)
}

// Risk logs a risk management event
func Risk(ctx context.Context, pair, eventType string, fields ...any) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("risk_event", trace.WithAttributes(
			attribute.String("pair", pair),
			attribute.String("event_type", eventType),
		))
	}
	all := append([]any{"type", "RISK", "pair", pair, "event_type", eventType}, fields...)
	logAt(ctx, zapcore.WarnLevel, 0, "Risk event", all...)
}

func IsDebugEnabled() bool {
	return detailedLogging
}
