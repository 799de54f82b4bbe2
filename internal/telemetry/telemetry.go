// Package telemetry wires up tracing for the orchestrator: a process-wide
// TracerProvider exporting spans as JSON to a caller-supplied writer via
// the stdouttrace exporter. No other exporter is wired.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Tracer is the process-wide Tracer. It is usable immediately: before Init
// runs, otel's default global TracerProvider is a no-op, so claim/spawn/
// sweep spans are always safe to start, and start reporting for real once
// Init installs the stdout-exporting provider.
var Tracer = otel.Tracer("foreman")

// Init installs a TracerProvider for serviceName, exporting spans as
// pretty-printed JSON to w (typically os.Stderr, to keep stdout free for
// the CLI's own output). It returns a shutdown func that must be called
// before process exit to flush pending spans.
func Init(ctx context.Context, serviceName string, w io.Writer) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("component", "foreman"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(shutdownCtx)
	}, nil
}
