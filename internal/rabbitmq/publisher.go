package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/internal/reliability"
)

// Publisher publishes on leased channels and, when the pool runs in confirm
// mode, returns only once the broker has confirmed the message
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	mandatory      bool
	retry          *reliability.ExponentialBackoff
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets how many times a publish is attempted on fresh channels
func WithPublishRetries(attempts int) PublisherOption {
	return func(p *Publisher) {
		p.retry.Attempts = attempts
	}
}

// WithMandatory makes unroutable publishes fail with ErrMandatoryFailed
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		retry:          reliability.NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3),
		logger:         slog.Default(),
	}
	p.retry.Retryable = IsRetryable

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg, retrying transient channel failures
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return reliability.Retry(ctx, p.retry, func() error {
		return p.publishOnce(ctx, exchange, routingKey, msg)
	})
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	fail := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  p.mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}

	if !ch.confirm {
		if err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
			p.pool.Discard(ch)
			return fail(err)
		}
		p.pool.Put(ch)
		return nil
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, p.mandatory, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return fail(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		// the confirm may still arrive; the channel cannot be reused
		p.pool.Discard(ch)
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			p.logger.Warn("publish confirm timed out",
				"exchange", exchange,
				"routingKey", routingKey,
				"timeout", p.confirmTimeout)
			return fail(ErrPublishTimeout)
		}
		return fail(err)
	}

	// the broker sends basic.return before the ack of an unroutable message
	var returned *amqp.Return
	select {
	case r := <-ch.returns:
		returned = &r
	default:
	}
	p.pool.Put(ch)

	if !acked {
		return fail(ErrPublishNacked)
	}
	if returned != nil {
		p.logger.Warn("message returned as unroutable",
			"exchange", exchange,
			"routingKey", routingKey,
			"replyText", returned.ReplyText)
		return fail(ErrMandatoryFailed)
	}
	return nil
}
