// Package telemetry provides the OpenTelemetry helpers shared by
// lib-guard components.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies lib-guard spans in trace backends.
const scopeName = "github.com/HighNoonStudio/lib-guard"

// Tracer returns the library tracer from the global provider. When no
// provider is registered this yields a no-op tracer, so instrumented
// code paths cost nothing for consumers that do not use tracing.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// HandleSpanError records an error on the span and marks its status.
// Nil spans and nil errors are ignored.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}
