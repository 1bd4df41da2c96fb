package obs

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer sets the global tracer provider up with a batching OTLP/gRPC
// exporter. If the exporter cannot be built, it logs a warning, leaves the
// global provider unset, and returns a no-op shutdown func, so the
// scheduler runs without tracing.
func InitTracer(ctx context.Context, workflow string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		slog.Warn("obs: tracer exporter init failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("flowcore-scheduler"),
		semconv.ServiceInstanceID(workflow),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Span starts a span named name under the "flowcore/scheduler" tracer.
func Span(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("flowcore/scheduler").Start(ctx, name)
}

// Flush shuts down the tracer provider with a bounded grace period, called
// once at scheduler exit.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
