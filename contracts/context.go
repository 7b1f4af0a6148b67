package contracts

import "context"

type envelopeKey struct{}

// ContextWithEnvelope stores the envelope being handled so that messages
// published from inside the handler inherit its correlation.
func ContextWithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

// EnvelopeFromContext returns the envelope stored by ContextWithEnvelope
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(Envelope)
	return env, ok
}
