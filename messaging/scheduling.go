package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/topology"
)

const (
	// HeaderDelay is read by the delayed message plugin
	HeaderDelay = "x-delay"
	// MetadataScheduledFor records when a delayed message becomes deliverable
	MetadataScheduledFor = "scheduledFor"
)

// PublishDelayed publishes msg so that it is delivered no earlier than
// delay from now. Exchanges declared through the delayed message plugin
// hold the message themselves; other targets go through a TTL wait queue
// that dead-letters to the target when the delay expires.
func (p *MessagePublisher) PublishDelayed(ctx context.Context, msg contracts.Message, delay time.Duration, options ...PublishOption) error {
	if delay < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDelay, delay)
	}

	opts, err := p.resolve(msg, options)
	if err != nil {
		return err
	}
	if delay == 0 {
		env, err := p.buildEnvelope(ctx, msg, opts)
		if err != nil {
			return err
		}
		return p.send(ctx, env, opts)
	}

	deliverAt := time.Now().Add(delay).UTC()
	opts.EnvelopeOptions = append(opts.EnvelopeOptions,
		contracts.WithMetadata(MetadataScheduledFor, deliverAt.Format(time.RFC3339Nano)))
	env, err := p.buildEnvelope(ctx, msg, opts)
	if err != nil {
		return err
	}

	if p.pluginDelayed(opts.Exchange) {
		headers := make(map[string]any, len(opts.Headers)+1)
		for k, v := range opts.Headers {
			headers[k] = v
		}
		headers[HeaderDelay] = topology.TTLMillis(delay)
		opts.Headers = headers
		return p.send(ctx, env, opts)
	}

	if p.waitQueues == nil {
		return fmt.Errorf("%w: %q", ErrDelayUnsupported, opts.Exchange)
	}

	wq := topology.DelayQueue(opts.Exchange, opts.RoutingKey, delay)
	if err := p.waitQueues.EnsureWaitQueue(ctx, wq); err != nil {
		return classifyPublishError(ctx, fmt.Errorf("declaring delay queue %s: %w", wq.Name, err))
	}

	opts.Exchange = ""
	opts.RoutingKey = wq.Name
	return p.send(ctx, env, opts)
}

// ScheduleAt publishes msg for delivery at the given time; times in the
// past publish immediately
func (p *MessagePublisher) ScheduleAt(ctx context.Context, msg contracts.Message, at time.Time, options ...PublishOption) error {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	return p.PublishDelayed(ctx, msg, delay, options...)
}

func (p *MessagePublisher) pluginDelayed(exchange string) bool {
	if p.topology == nil || exchange == "" {
		return false
	}
	e, ok := p.topology.Exchange(exchange)
	return ok && e.Delayed
}
