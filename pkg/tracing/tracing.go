// Package tracing wires OpenTelemetry spans across the matcher and offer
// loop. With no exporter configured the global no-op TracerProvider is
// used, so instrumented code pays only the cost of a no-op span in tests
// and in deployments that haven't opted into a collector.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ridecore/dispatch"

// Tracer returns the package-wide tracer, sourced from whatever
// TracerProvider is currently registered globally (otel.SetTracerProvider
// installs a real one; absent that, every span is a no-op).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name as a child of ctx, returning the
// derived context and the span so callers can End() it with defer.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, attrs...)
}
