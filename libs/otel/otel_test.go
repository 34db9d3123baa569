package otelx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	prev := lookupEnv
	lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	t.Cleanup(func() { lookupEnv = prev })
}

func TestConfigFromEnv(t *testing.T) {
	withEnv(t, map[string]string{
		"OTEL_ENABLED":                "off",
		"OTEL_EXPORTER_OTLP_ENDPOINT": " collector:4317 ",
		"OTEL_SAMPLING_RATIO":         "0.25",
		"DEPLOYMENT_ENVIRONMENT":      "staging",
	})
	cfg := ConfigFromEnv("booking-service")
	require.False(t, cfg.Enabled)
	require.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	require.Equal(t, 0.25, cfg.SampleRatio)
	require.Equal(t, "staging", cfg.Environment)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	withEnv(t, map[string]string{"OTEL_SAMPLING_RATIO": "7"})
	cfg := ConfigFromEnv("booking-service")
	require.True(t, cfg.Enabled)
	require.Equal(t, "jaeger:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRatio)
	require.Equal(t, "local", cfg.Environment)
}

func TestTraceHeadersRestoreParent(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "confirm")
	defer span.End()

	h := CaptureTraceHeaders(ctx)
	require.NotEmpty(t, h.Traceparent)

	restored := trace.SpanContextFromContext(h.Restore(context.Background()))
	require.Equal(t, span.SpanContext().TraceID(), restored.TraceID())
	require.True(t, restored.IsRemote())

	empty := context.Background()
	require.Equal(t, empty, TraceHeaders{}.Restore(empty))
}
