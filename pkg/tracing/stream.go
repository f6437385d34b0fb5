package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectMap writes the trace context of ctx into a string map, used for Redis stream entry fields.
func InjectMap(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	if propagator := otel.GetTextMapPropagator(); propagator != nil {
		propagator.Inject(ctx, carrier)
	}
	return carrier
}

// ExtractMap restores a trace context previously written by InjectMap.
func ExtractMap(ctx context.Context, fields map[string]string) context.Context {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil || len(fields) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(fields))
}
