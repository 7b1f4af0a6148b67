// Package messaging provides the publishing and consuming sides of the relay.
//
// This package implements:
//   - MessagePublisher: envelopes messages, resolves routes from the topology and
//     publishes with broker confirmation behind a circuit breaker
//   - Delayed publishing through the delayed message plugin or TTL wait queues
//   - MessageDispatcher: maps message types to handlers with middleware support
//   - Consumer: the per-queue state machine that acks, schedules retries
//     through wait queues or dead-letters every delivery exactly once
//
// Messages published from inside a handler inherit the correlation ID of the
// message being handled and record it as their cause.
//
// Example usage:
//
//	dispatcher := messaging.NewMessageDispatcher()
//	err := messaging.Register(dispatcher, "ServerRegistered",
//		func(ctx context.Context, evt *ServerRegistered) error {
//			return publisher.Publish(ctx, NewScanServer(evt.ServerID))
//		})
//
//	consumer := messaging.NewConsumer("inventory.registry", subscriber, transport, dispatcher,
//		messaging.WithDeadLetter("relay.dlx", "dead-letter"),
//		messaging.WithConsumerWaitQueues(topologyManager),
//	)
//	err = consumer.Run(ctx)
package messaging
