package outbox

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// CaptureTrace injects the active trace context of ctx into headers using the
// global propagator. Existing keys are kept.
func CaptureTrace(ctx context.Context, headers map[string]string) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return headers
	}
	if headers == nil {
		headers = make(map[string]string, len(carrier))
	}
	for k, v := range carrier {
		if _, exists := headers[k]; !exists {
			headers[k] = v
		}
	}
	return headers
}

// ResumeTrace returns ctx carrying the trace context stored in headers.
func ResumeTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
