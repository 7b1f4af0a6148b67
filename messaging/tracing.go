package messaging

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// headerCarrier adapts AMQP headers to the OpenTelemetry text map carrier
type headerCarrier map[string]any

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func propagatorOrGlobal(p propagation.TextMapPropagator) propagation.TextMapPropagator {
	if p != nil {
		return p
	}
	return otel.GetTextMapPropagator()
}

// injectTraceHeaders returns a copy of base with the W3C trace context of ctx
func injectTraceHeaders(ctx context.Context, p propagation.TextMapPropagator, base map[string]any) map[string]any {
	headers := make(map[string]any, len(base)+2)
	maps.Copy(headers, base)
	propagatorOrGlobal(p).Inject(ctx, headerCarrier(headers))
	return headers
}

// extractTraceContext continues the trace carried in delivery headers
func extractTraceContext(ctx context.Context, p propagation.TextMapPropagator, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagatorOrGlobal(p).Extract(ctx, headerCarrier(headers))
}
