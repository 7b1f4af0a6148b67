package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-relay/topology"
)

// OutboundMessage is a fully encoded message ready for the broker
type OutboundMessage struct {
	Body          []byte
	ContentType   string
	MessageID     string
	CorrelationID string
	Type          string
	Timestamp     time.Time
	Headers       map[string]any
	Persistent    bool
}

// TransportPublisher defines the interface for publishing messages through a transport.
// Publish returns once the broker has accepted the message.
type TransportPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg OutboundMessage) error
}

// WaitQueueDeclarer declares TTL wait queues on demand
type WaitQueueDeclarer interface {
	EnsureWaitQueue(ctx context.Context, wq topology.WaitQueue) error
}

// TransportSubscriber opens subscriptions on queues
type TransportSubscriber interface {
	Subscribe(ctx context.Context, queue string, options SubscriptionOptions) (TransportSubscription, error)
}

// SubscriptionOptions configures a transport subscription
type SubscriptionOptions struct {
	PrefetchCount int
	ConsumerTag   string
	Exclusive     bool
}

// TransportSubscription is an active subscription
type TransportSubscription interface {
	// Deliveries closes when the subscription ends or the broker channel dies
	Deliveries() <-chan TransportDelivery
	// Cancel stops new deliveries; received ones can still be settled
	Cancel() error
	// Close releases the subscription; unsettled deliveries are requeued
	Close() error
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	Body() []byte
	ContentType() string
	Headers() map[string]any
	Exchange() string
	RoutingKey() string
	Redelivered() bool

	// Acknowledge marks the message as settled
	Acknowledge() error
	// Reject rejects the message with optional requeue
	Reject(requeue bool) error
}
