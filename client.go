// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/interceptors"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/topology"
	rabbitmqTransport "github.com/glimte/mmate-relay/transports/rabbitmq"
)

// deadLetterWarnDepth is the dead-letter queue depth above which the
// client reports itself degraded
const deadLetterWarnDepth = 0

// brokerTransport is what the client needs from a transport
type brokerTransport interface {
	messaging.TransportPublisher
	messaging.TransportSubscriber
	messaging.WaitQueueDeclarer
	DeclareTopology(ctx context.Context, desc *topology.Descriptor) error
	QueueInfo(ctx context.Context, queue string) (amqp.Queue, error)
	Close() error
}

// Client provides the main entry point for mmate-relay: one broker
// connection shared by a publisher, any number of consumers and the
// health registry.
type Client struct {
	cfg        config.Config
	transport  brokerTransport
	topology   *topology.Descriptor
	publisher  *messaging.MessagePublisher
	dispatcher *messaging.MessageDispatcher
	metrics    *messaging.Metrics
	propagator propagation.TextMapPropagator
	health     *health.Registry
	probe      *health.Probe
	logger     *slog.Logger

	mu        sync.Mutex
	consumers []*messaging.Consumer
	closed    bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	registerer      prometheus.Registerer
	metrics         bool
	propagator      propagation.TextMapPropagator
	declareTopology bool
	interceptors    []interceptors.Interceptor
	transport       brokerTransport
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components. Without it the logger is
// built from the log section of the configuration.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics registers the relay's Prometheus collectors on registerer,
// or on the default registerer when it is nil
func WithMetrics(registerer prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = true
		cfg.registerer = registerer
	}
}

// WithPropagator sets the trace propagator; the global one is used otherwise
func WithPropagator(p propagation.TextMapPropagator) ClientOption {
	return func(cfg *clientConfig) {
		cfg.propagator = p
	}
}

// WithTopologyDeclaration controls whether NewClient declares the
// configured topology. It is on by default.
func WithTopologyDeclaration(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.declareTopology = enabled
	}
}

// WithInterceptors wraps every handler the client's consumers invoke, in
// the order given
func WithInterceptors(i ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, i...)
	}
}

// withTransport replaces the RabbitMQ transport
func withTransport(t brokerTransport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = t
	}
}

// NewClient connects to the broker described by cfg, declares the
// configured topology and wires the publisher and health checks
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{declareTopology: true}
	for _, opt := range options {
		opt(cc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cc.logger == nil {
		cc.logger = config.NewLogger(cfg.Log, os.Stderr)
	}
	logger := cc.logger

	desc, err := topology.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	transport := cc.transport
	if transport == nil {
		transport, err = rabbitmqTransport.NewTransport(ctx, cfg.Broker.URL(), transportOptions(cfg, logger)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	if cc.declareTopology {
		if err := transport.DeclareTopology(ctx, desc); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("failed to declare topology: %w", err)
		}
	}

	var metrics *messaging.Metrics
	if cc.metrics {
		if metrics, err = messaging.NewMetrics(cc.registerer); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	c := &Client{
		cfg:        cfg,
		transport:  transport,
		topology:   desc,
		dispatcher: messaging.NewMessageDispatcher(
			messaging.WithDispatcherLogger(logger),
			messaging.WithMiddleware(interceptors.Middleware(cc.interceptors...)...),
		),
		metrics:    metrics,
		propagator: cc.propagator,
		health:     health.NewRegistry(),
		probe: health.NewProbe(cfg.Broker.URL(),
			health.WithProbeTimeout(cfg.Broker.RequestTimeout),
			health.WithProbeLogger(logger)),
		logger: logger,
	}
	c.publisher = messaging.NewMessagePublisher(transport,
		messaging.WithPublisherLogger(logger),
		messaging.WithTopology(desc),
		messaging.WithWaitQueues(transport),
		messaging.WithDefaultPersistence(cfg.Publisher.Persistent),
		messaging.WithPublisherMetrics(metrics),
		messaging.WithPublisherPropagator(cc.propagator),
	)

	c.health.Register(c.probe)
	if dl, ok := desc.DeadLetter(); ok {
		c.health.Register(health.NewQueueDepthChecker(dl.Queue, deadLetterWarnDepth, transport))
	}

	logger.Info("relay client ready", "config", cfg.String())
	return c, nil
}

// NewClientFromFile loads configuration from path and the environment and
// creates a client from it
func NewClientFromFile(ctx context.Context, path string, options ...ClientOption) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, cfg, options...)
}

func transportOptions(cfg config.Config, logger *slog.Logger) []rabbitmqTransport.TransportOption {
	return []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithTransportLogger(logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectionTimeout(cfg.Broker.ConnectionTimeout),
			rabbitmq.WithHeartbeat(cfg.Broker.Heartbeat),
			rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
			rabbitmq.WithMaxRetries(cfg.Broker.MaxReconnectAttempts),
		),
		rabbitmqTransport.WithChannelPoolOptions(
			rabbitmq.WithMaxSize(cfg.Broker.ChannelPoolSize),
			rabbitmq.WithConfirmMode(cfg.Publisher.ConfirmEnabled),
		),
		rabbitmqTransport.WithPublisherOptions(
			rabbitmq.WithConfirmTimeout(cfg.Publisher.ConfirmTimeout),
			rabbitmq.WithMandatory(cfg.Publisher.Mandatory),
		),
	}
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.MessagePublisher {
	return c.publisher
}

// Dispatcher returns the dispatcher shared by the client's consumers
func (c *Client) Dispatcher() *messaging.MessageDispatcher {
	return c.dispatcher
}

// Topology returns the declared topology
func (c *Client) Topology() *topology.Descriptor {
	return c.topology
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// HealthHandler serves the health registry over HTTP
func (c *Client) HealthHandler() *health.Handler {
	return health.NewHandler(c.health, c.cfg.Broker.RequestTimeout)
}

// CheckHealth runs the broker probe alone
func (c *Client) CheckHealth(ctx context.Context) health.Result {
	return c.probe.CheckHealth(ctx)
}

// Publish publishes msg to its configured route
func (c *Client) Publish(ctx context.Context, msg contracts.Message, options ...messaging.PublishOption) error {
	return c.publisher.Publish(ctx, msg, options...)
}

// PublishTo publishes msg to an explicit exchange and routing key
func (c *Client) PublishTo(ctx context.Context, msg contracts.Message, exchange, routingKey string, options ...messaging.PublishOption) error {
	return c.publisher.PublishTo(ctx, msg, exchange, routingKey, options...)
}

// PublishDelayed publishes msg so it is delivered no earlier than delay
func (c *Client) PublishDelayed(ctx context.Context, msg contracts.Message, delay time.Duration, options ...messaging.PublishOption) error {
	return c.publisher.PublishDelayed(ctx, msg, delay, options...)
}

// PublishBatch publishes every message, collecting per-message failures
func (c *Client) PublishBatch(ctx context.Context, messages []contracts.Message, options ...messaging.PublishOption) error {
	return c.publisher.PublishBatch(ctx, messages, options...)
}

// NewConsumer creates a consumer for queue configured from the client's
// consumer, retry and dead-letter settings. Options given here override
// them. The consumer is registered with the health registry and is run by
// Run.
func (c *Client) NewConsumer(queue string, options ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	if _, err := c.topology.Queue(queue); err != nil {
		return nil, err
	}

	policy := messaging.DefaultRetryPolicy()
	policy.Attempts = c.cfg.Retry.MaxAttempts
	policy.InitialInterval = c.cfg.Retry.BaseDelay
	policy.MaxInterval = c.cfg.Retry.MaxDelay

	opts := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(c.logger),
		messaging.WithConsumerMetrics(c.metrics),
		messaging.WithConsumerPropagator(c.propagator),
		messaging.WithRetryPolicy(policy),
		messaging.WithConsumerWaitQueues(c.transport),
		messaging.WithPrefetch(c.cfg.Consumer.Prefetch),
		messaging.WithInstances(c.cfg.Consumer.Instances),
		messaging.WithShutdownTimeout(c.cfg.Consumer.ShutdownTimeout),
		messaging.WithHandlerTimeout(c.cfg.Consumer.HandlerTimeout),
	}
	if dl, ok := c.topology.DeadLetter(); ok {
		opts = append(opts, messaging.WithDeadLetter(dl.Exchange, dl.RoutingKey))
	}
	opts = append(opts, options...)

	consumer := messaging.NewConsumer(queue, c.transport, c.transport, c.dispatcher, opts...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client is closed")
	}
	c.consumers = append(c.consumers, consumer)
	c.health.Register(health.NewConsumerChecker(consumer))
	return consumer, nil
}

// Run runs every consumer created so far until ctx is done or one of them
// fails
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	consumers := append([]*messaging.Consumer(nil), c.consumers...)
	c.mu.Unlock()

	if len(consumers) == 0 {
		return errors.New("no consumers to run")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, consumer := range consumers {
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}
	return g.Wait()
}

// Close stops every consumer and closes the broker connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumers := c.consumers
	c.mu.Unlock()

	var errs []error
	for _, consumer := range consumers {
		ctx, cancel := context.WithTimeout(context.Background(), consumer.StopTimeout())
		if err := consumer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %s: %w", consumer.Queue(), err))
		}
		cancel()
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
