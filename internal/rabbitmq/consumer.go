package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer opens subscriptions, each on its own dedicated channel. Consume
// channels never come from the pool because their lifetime is the
// subscription's.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the default prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// SubscribeOptions tunes a single subscription
type SubscribeOptions struct {
	// Prefetch overrides the consumer default when positive
	Prefetch  int
	Tag       string
	Exclusive bool
}

// Subscription is an active basic.consume on a dedicated channel
type Subscription struct {
	queue      string
	tag        string
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closeOnce  sync.Once
	closeErr   error
	logger     *slog.Logger
}

// ConsumerTag returns a fresh, time ordered consumer tag for queue
func ConsumerTag(queue string) string {
	return fmt.Sprintf("%s-%s", queue, ulid.Make())
}

// Subscribe starts consuming queue with manual acknowledgements
func (c *Consumer) Subscribe(ctx context.Context, queue string, opts SubscribeOptions) (*Subscription, error) {
	tag := opts.Tag
	if tag == "" {
		tag = ConsumerTag(queue)
	}
	fail := func(op string, err error) error {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	conn, err := c.manager.WaitForConnection(ctx)
	if err != nil {
		return nil, fail("subscribe", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fail("open channel", fmt.Errorf("%w: %w", ErrChannelCreationFailed, err))
	}

	prefetch := c.prefetchCount
	if opts.Prefetch > 0 {
		prefetch = opts.Prefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fail("set qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fail("consume", err)
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
	)

	return &Subscription{
		queue:      queue,
		tag:        tag,
		ch:         ch,
		deliveries: deliveries,
		logger:     c.logger,
	}, nil
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string {
	return s.queue
}

// Tag returns the consumer tag
func (s *Subscription) Tag() string {
	return s.tag
}

// Deliveries returns the delivery stream; it closes when the subscription
// is cancelled or the channel dies
func (s *Subscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Cancel stops the broker from sending new deliveries. Deliveries already
// received can still be acknowledged until Close.
func (s *Subscription) Cancel() error {
	if s.ch.IsClosed() {
		return nil
	}
	if err := s.ch.Cancel(s.tag, false); err != nil {
		return &ConsumerError{
			Queue:       s.queue,
			ConsumerTag: s.tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// Close cancels the subscription and closes its channel. Unacknowledged
// deliveries are requeued by the broker.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		_ = s.Cancel()
		if !s.ch.IsClosed() {
			s.closeErr = s.ch.Close()
		}
		s.logger.Info("consumer stopped", "queue", s.queue, "consumerTag", s.tag)
	})
	return s.closeErr
}
