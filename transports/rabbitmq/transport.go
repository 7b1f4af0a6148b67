package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/topology"
)

// Transport implements the messaging transport interfaces on RabbitMQ.
// It owns one reference on the connection manager.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger
	closeOnce sync.Once
}

var (
	_ messaging.TransportPublisher  = (*Transport)(nil)
	_ messaging.TransportSubscriber = (*Transport)(nil)
	_ messaging.WaitQueueDeclarer   = (*Transport)(nil)
)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options. Confirm mode is on
// unless an option turns it off.
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithTransportLogger sets the logger shared by every layer of the transport
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to url and builds the pool, publisher, consumer and
// topology manager on top of the connection.
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(url,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)...)
	if err := manager.Connect(ctx); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t, err := NewTransportWithManager(manager, options...)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	// NewTransportWithManager took its own reference; hand ours over.
	_ = manager.Release()
	return t, nil
}

// NewTransportWithManager builds a transport on an existing connection
// manager, taking a reference on it
func NewTransportWithManager(manager *rabbitmq.ConnectionManager, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	if err := manager.Acquire(); err != nil {
		return nil, err
	}

	poolOptions := append([]rabbitmq.ChannelPoolOption{
		rabbitmq.WithConfirmMode(true),
		rabbitmq.WithChannelLogger(cfg.Logger),
	}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOptions...)
	if err != nil {
		_ = manager.Release()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		manager: manager,
		pool:    pool,
		publisher: rabbitmq.NewPublisher(pool,
			append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)...),
		consumer: rabbitmq.NewConsumer(manager,
			append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)...),
		topology: rabbitmq.NewTopologyManager(pool, cfg.Logger),
		logger:   cfg.Logger,
	}, nil
}

// Manager returns the underlying connection manager
func (t *Transport) Manager() *rabbitmq.ConnectionManager {
	return t.manager
}

// Topology returns the topology manager
func (t *Transport) Topology() *rabbitmq.TopologyManager {
	return t.topology
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Publish implements messaging.TransportPublisher
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.OutboundMessage) error {
	return t.publisher.Publish(ctx, exchange, routingKey, toPublishing(msg))
}

// EnsureWaitQueue implements messaging.WaitQueueDeclarer
func (t *Transport) EnsureWaitQueue(ctx context.Context, wq topology.WaitQueue) error {
	return t.topology.EnsureWaitQueue(ctx, wq)
}

// DeclareTopology declares every exchange, queue and binding of desc
func (t *Transport) DeclareTopology(ctx context.Context, desc *topology.Descriptor) error {
	return t.topology.DeclareTopology(ctx, desc)
}

// QueueInfo returns the message and consumer counts of queue
func (t *Transport) QueueInfo(ctx context.Context, queue string) (amqp.Queue, error) {
	return t.topology.QueueInfo(ctx, queue)
}

// Peek returns up to limit messages from queue and leaves them in place
func (t *Transport) Peek(ctx context.Context, queue string, limit int) ([]amqp.Delivery, error) {
	return t.topology.Peek(ctx, queue, limit)
}

// Subscribe implements messaging.TransportSubscriber
func (t *Transport) Subscribe(ctx context.Context, queue string, options messaging.SubscriptionOptions) (messaging.TransportSubscription, error) {
	sub, err := t.consumer.Subscribe(ctx, queue, rabbitmq.SubscribeOptions{
		Prefetch:  options.PrefetchCount,
		Tag:       options.ConsumerTag,
		Exclusive: options.Exclusive,
	})
	if err != nil {
		return nil, err
	}

	s := &subscription{
		sub:  sub,
		out:  make(chan messaging.TransportDelivery),
		done: make(chan struct{}),
	}
	go s.forward()
	return s, nil
}

// Close releases the transport's channels and its connection reference
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if poolErr := t.pool.Close(); poolErr != nil {
			t.logger.Debug("failed to close channel pool", "error", poolErr)
		}
		err = t.manager.Release()
	})
	return err
}

func toPublishing(msg messaging.OutboundMessage) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Type:          msg.Type,
		Timestamp:     msg.Timestamp,
		DeliveryMode:  amqp.Transient,
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		maps.Copy(p.Headers, msg.Headers)
	}
	return p
}

// subscription adapts a broker subscription to messaging.TransportSubscription
type subscription struct {
	sub       *rabbitmq.Subscription
	out       chan messaging.TransportDelivery
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) forward() {
	defer close(s.out)
	for d := range s.sub.Deliveries() {
		select {
		case s.out <- newDelivery(d):
		case <-s.done:
			// The channel is closing; the broker requeues what was not settled.
			return
		}
	}
}

// Deliveries implements messaging.TransportSubscription
func (s *subscription) Deliveries() <-chan messaging.TransportDelivery {
	return s.out
}

// Cancel implements messaging.TransportSubscription
func (s *subscription) Cancel() error {
	return s.sub.Cancel()
}

// Close implements messaging.TransportSubscription
func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.sub.Close()
}

// delivery adapts amqp.Delivery to messaging.TransportDelivery
type delivery struct {
	d       amqp.Delivery
	headers map[string]any
}

func newDelivery(d amqp.Delivery) *delivery {
	headers := make(map[string]any, len(d.Headers))
	maps.Copy(headers, d.Headers)
	return &delivery{d: d, headers: headers}
}

// Body implements TransportDelivery
func (d *delivery) Body() []byte {
	return d.d.Body
}

// ContentType implements TransportDelivery
func (d *delivery) ContentType() string {
	return d.d.ContentType
}

// Headers implements TransportDelivery
func (d *delivery) Headers() map[string]any {
	return d.headers
}

// Exchange implements TransportDelivery
func (d *delivery) Exchange() string {
	return d.d.Exchange
}

// RoutingKey implements TransportDelivery
func (d *delivery) RoutingKey() string {
	return d.d.RoutingKey
}

// Redelivered implements TransportDelivery
func (d *delivery) Redelivered() bool {
	return d.d.Redelivered
}

// Acknowledge implements TransportDelivery
func (d *delivery) Acknowledge() error {
	return d.d.Ack(false)
}

// Reject implements TransportDelivery
func (d *delivery) Reject(requeue bool) error {
	return d.d.Nack(false, requeue)
}
