package messaging

import (
	"context"
	"slices"

	"github.com/glimte/mmate-relay/contracts"
)

// buildEnvelope serializes msg and wraps it in a new envelope. A message
// published while handling another inherits that message's correlation ID
// and records it as its cause.
func (p *MessagePublisher) buildEnvelope(ctx context.Context, msg contracts.Message, opts PublishOptions) (contracts.Envelope, error) {
	payload, err := p.serializer.Serialize(msg)
	if err != nil {
		return contracts.Envelope{}, err
	}

	envOpts := opts.EnvelopeOptions
	if parent, ok := contracts.EnvelopeFromContext(ctx); ok {
		envOpts = slices.Concat([]contracts.EnvelopeOption{contracts.CausedBy(parent)}, envOpts)
	}

	return contracts.NewEnvelope(msg, payload, envOpts...), nil
}
