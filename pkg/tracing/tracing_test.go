package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"waconnector/internal/config"
)

func withPropagator(t *testing.T) context.Context {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "root")
	t.Cleanup(func() { span.End() })
	return ctx
}

func TestKafkaHeaderRoundTrip(t *testing.T) {
	ctx := withPropagator(t)

	headers := InjectTraceContext(ctx, []kafka.Header{{Key: "event", Value: []byte("message:created")}})
	require.Len(t, headers, 2)

	restored := ExtractTraceContext(context.Background(), headers)
	assert.Equal(t,
		trace.SpanContextFromContext(ctx).TraceID(),
		trace.SpanContextFromContext(restored).TraceID())
}

func TestMapRoundTrip(t *testing.T) {
	ctx := withPropagator(t)

	fields := InjectMap(ctx)
	assert.Contains(t, fields, "traceparent")

	restored := ExtractMap(context.Background(), fields)
	assert.Equal(t,
		trace.SpanContextFromContext(ctx).TraceID(),
		trace.SpanContextFromContext(restored).TraceID())
	assert.Equal(t, context.Background(), ExtractMap(context.Background(), nil))
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, "")
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer("x"))
	assert.NoError(t, tp.Shutdown(context.Background()))
}
