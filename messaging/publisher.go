package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/propagation"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/serialization"
	"github.com/glimte/mmate-relay/topology"
)

// MessagePublisher encodes messages into envelopes and publishes them with
// broker confirmation. It is safe for concurrent use.
type MessagePublisher struct {
	transport  TransportPublisher
	waitQueues WaitQueueDeclarer
	topology   *topology.Descriptor
	serializer serialization.Serializer
	breaker    *gobreaker.CircuitBreaker
	metrics    *Metrics
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
	persistent bool
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTopology sets the descriptor used for default routes and delay mechanisms
func WithTopology(desc *topology.Descriptor) PublisherOption {
	return func(p *MessagePublisher) {
		p.topology = desc
	}
}

// WithWaitQueues enables TTL wait queues for delayed publishing
func WithWaitQueues(declarer WaitQueueDeclarer) PublisherOption {
	return func(p *MessagePublisher) {
		p.waitQueues = declarer
	}
}

// WithSerializer replaces the JSON serializer
func WithSerializer(s serialization.Serializer) PublisherOption {
	return func(p *MessagePublisher) {
		if s != nil {
			p.serializer = s
		}
	}
}

// WithCircuitBreaker replaces the default circuit breaker; nil disables it
func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) PublisherOption {
	return func(p *MessagePublisher) {
		p.breaker = cb
	}
}

// WithPublisherMetrics records publish metrics
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *MessagePublisher) {
		p.metrics = m
	}
}

// WithPublisherPropagator sets the trace propagator; the global one is used otherwise
func WithPublisherPropagator(prop propagation.TextMapPropagator) PublisherOption {
	return func(p *MessagePublisher) {
		p.propagator = prop
	}
}

// WithDefaultPersistence sets whether messages survive a broker restart by default
func WithDefaultPersistence(persistent bool) PublisherOption {
	return func(p *MessagePublisher) {
		p.persistent = persistent
	}
}

// NewMessagePublisher creates a new message publisher
func NewMessagePublisher(transport TransportPublisher, options ...PublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		transport:  transport,
		serializer: serialization.NewJSONSerializer(),
		logger:     slog.Default(),
		persistent: true,
	}
	p.breaker = newPublishBreaker(p)

	for _, opt := range options {
		opt(p)
	}

	return p
}

func newPublishBreaker(p *MessagePublisher) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay-publisher",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || contracts.IsCancellation(err) || errors.Is(err, contracts.ErrSerialization)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("publisher circuit breaker changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// PublishOptions configures a single publish
type PublishOptions struct {
	Exchange        string
	RoutingKey      string
	Headers         map[string]any
	Persistent      *bool
	EnvelopeOptions []contracts.EnvelopeOption
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithExchange sets the exchange name
func WithExchange(exchange string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Exchange = exchange
	}
}

// WithRoutingKey sets the routing key
func WithRoutingKey(routingKey string) PublishOption {
	return func(opts *PublishOptions) {
		opts.RoutingKey = routingKey
	}
}

// WithHeaders sets custom transport headers
func WithHeaders(headers map[string]any) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]any, len(headers))
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// WithPersistent overrides the publisher's default persistence
func WithPersistent(persistent bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Persistent = &persistent
	}
}

// WithCorrelationID sets the correlation ID of the envelope
func WithCorrelationID(correlationID string) PublishOption {
	return WithEnvelopeOptions(contracts.WithCorrelationID(correlationID))
}

// WithEnvelopeOptions passes options through to contracts.NewEnvelope
func WithEnvelopeOptions(envOpts ...contracts.EnvelopeOption) PublishOption {
	return func(opts *PublishOptions) {
		opts.EnvelopeOptions = append(opts.EnvelopeOptions, envOpts...)
	}
}

// Publish publishes msg to the route the topology assigns to its type,
// unless WithExchange or WithRoutingKey say otherwise
func (p *MessagePublisher) Publish(ctx context.Context, msg contracts.Message, options ...PublishOption) error {
	opts, err := p.resolve(msg, options)
	if err != nil {
		return err
	}

	env, err := p.buildEnvelope(ctx, msg, opts)
	if err != nil {
		return err
	}
	return p.send(ctx, env, opts)
}

// PublishTo publishes msg to an explicit exchange and routing key
func (p *MessagePublisher) PublishTo(ctx context.Context, msg contracts.Message, exchange, routingKey string, options ...PublishOption) error {
	return p.Publish(ctx, msg, slices.Concat(options, []PublishOption{WithExchange(exchange), WithRoutingKey(routingKey)})...)
}

// PublishEnvelope publishes a pre-built envelope unchanged
func (p *MessagePublisher) PublishEnvelope(ctx context.Context, env contracts.Envelope, exchange, routingKey string, options ...PublishOption) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrSerialization, err)
	}
	opts := PublishOptions{Exchange: exchange, RoutingKey: routingKey}
	for _, opt := range options {
		opt(&opts)
	}
	return p.send(ctx, env, opts)
}

// resolve applies options on top of the default route for msg
func (p *MessagePublisher) resolve(msg contracts.Message, options []PublishOption) (PublishOptions, error) {
	if msg == nil {
		return PublishOptions{}, fmt.Errorf("%w: message cannot be nil", contracts.ErrSerialization)
	}

	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Exchange != "" || opts.RoutingKey != "" {
		if opts.RoutingKey == "" {
			opts.RoutingKey = msg.GetType()
		}
		return opts, nil
	}

	if p.topology == nil {
		return opts, ErrNoTopology
	}
	route := p.topology.Route(msg.GetType())
	opts.Exchange = route.Exchange
	opts.RoutingKey = route.RoutingKey
	return opts, nil
}

// send serializes env and hands it to the transport through the circuit breaker
func (p *MessagePublisher) send(ctx context.Context, env contracts.Envelope, opts PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return contracts.Cancelled(err)
	}

	body, err := p.serializer.Serialize(env)
	if err != nil {
		p.metrics.recordPublish(env.Type, time.Now(), err)
		return err
	}

	persistent := p.persistent
	if opts.Persistent != nil {
		persistent = *opts.Persistent
	}

	out := OutboundMessage{
		Body:          body,
		ContentType:   p.serializer.ContentType(),
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		Type:          env.Type,
		Timestamp:     env.Timestamp,
		Headers:       injectTraceHeaders(ctx, p.propagator, opts.Headers),
		Persistent:    persistent,
	}

	started := time.Now()
	err = p.execute(func() error {
		return p.transport.Publish(ctx, opts.Exchange, opts.RoutingKey, out)
	})
	err = classifyPublishError(ctx, err)
	p.metrics.recordPublish(env.Type, started, err)

	if err != nil {
		p.logger.Error("failed to publish message",
			"messageId", env.ID,
			"messageType", env.Type,
			"correlationId", env.CorrelationID,
			"exchange", opts.Exchange,
			"routingKey", opts.RoutingKey,
			"error", err,
		)
		return err
	}

	p.logger.Debug("message published",
		"messageId", env.ID,
		"messageType", env.Type,
		"correlationId", env.CorrelationID,
		"exchange", opts.Exchange,
		"routingKey", opts.RoutingKey,
	)
	return nil
}

func (p *MessagePublisher) execute(fn func() error) error {
	if p.breaker == nil {
		return fn()
	}
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// classifyPublishError maps transport failures onto the relay error taxonomy
func classifyPublishError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return contracts.Cancelled(ctx.Err())
	case errors.Is(err, contracts.ErrSerialization),
		errors.Is(err, contracts.ErrBrokerUnavailable):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit open: %w", contracts.ErrBrokerUnavailable, err)
	}
	return fmt.Errorf("%w: %w", contracts.ErrBrokerUnavailable, err)
}

func failureReason(err error) string {
	switch {
	case contracts.IsCancellation(err):
		return "cancelled"
	case errors.Is(err, contracts.ErrSerialization):
		return "serialization"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	}
	return "broker_unavailable"
}
