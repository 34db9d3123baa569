package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceHeaders is the W3C trace context persisted next to an outbox row, so the relay
// can continue the trace of the transaction that wrote it.
type TraceHeaders struct {
	Traceparent string
	Tracestate  string
}

// CaptureTraceHeaders serializes the span context in ctx.
func CaptureTraceHeaders(ctx context.Context) TraceHeaders {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceHeaders{Traceparent: carrier["traceparent"], Tracestate: carrier["tracestate"]}
}

// Restore returns ctx carrying the captured span context as its remote parent.
func (h TraceHeaders) Restore(ctx context.Context) context.Context {
	if h.Traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": h.Traceparent}
	if h.Tracestate != "" {
		carrier["tracestate"] = h.Tracestate
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
