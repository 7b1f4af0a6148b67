// Package rabbitmq is the broker-facing layer of the relay.
//
// This package includes:
//   - ConnectionManager: one reference counted connection per process with
//     automatic reconnection and bounded waits for callers
//   - ChannelPool: leased channels, optionally in publisher confirm mode
//   - Publisher: confirmed publishing with retries on fresh channels
//   - Consumer: subscriptions on dedicated channels with QoS prefetch
//   - TopologyManager: declares a topology.Descriptor and TTL wait queues
//
// Nothing in this package interprets message bodies; envelopes, retries
// and dead-lettering decisions live in the messaging package.
package rabbitmq
