package trace

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "llm-crypto-trader"

var (
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider
	enabled        bool
	sink           io.Closer
)

// Init installs a span exporter when LOG_TRACING_ENABLED is true.
//
// Spans go to LOG_TRACING_FILE when set, otherwise to stderr; stdout carries
// the cycle results. LOG_TRACING_SAMPLE_RATIO (0..1, default 1) samples root
// spans.
func Init(version string) error {
	enabled = getEnv("LOG_TRACING_ENABLED", "false") == "true"
	if !enabled {
		return nil
	}

	sampler, err := samplerFor(getEnv("LOG_TRACING_SAMPLE_RATIO", "1"))
	if err != nil {
		enabled = false
		return err
	}

	var w io.Writer = os.Stderr
	if path := os.Getenv("LOG_TRACING_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			enabled = false
			return fmt.Errorf("open trace file: %w", err)
		}
		w, sink = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		enabled = false
		return err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		enabled = false
		return err
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = otel.Tracer(serviceName)
	return nil
}

func samplerFor(ratio string) (sdktrace.Sampler, error) {
	r, err := strconv.ParseFloat(ratio, 64)
	if err != nil || r < 0 || r > 1 {
		return nil, fmt.Errorf("LOG_TRACING_SAMPLE_RATIO must be within [0,1], got %q", ratio)
	}
	if r == 1 {
		return sdktrace.AlwaysSample(), nil
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r)), nil
}

// InitWithProvider wires an explicit provider, used by tests with an in-memory exporter.
func InitWithProvider(tp *sdktrace.TracerProvider) {
	tracerProvider = tp
	tracer = tp.Tracer(serviceName)
	enabled = true
}

// Shutdown flushes pending spans and closes the trace file.
func Shutdown(ctx context.Context) error {
	var err error
	if tracerProvider != nil {
		err = tracerProvider.Shutdown(ctx)
	}
	if sink != nil {
		if cerr := sink.Close(); err == nil {
			err = cerr
		}
		sink = nil
	}
	return err
}

func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !enabled || tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName, opts...)
}

func Enabled() bool {
	return enabled
}

// GetTraceFields returns the ids logger attaches to every line.
func GetTraceFields(ctx context.Context) (traceID, spanID string, ok bool) {
	if !enabled {
		return "", "", false
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
