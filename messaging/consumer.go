package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/serialization"
	"github.com/glimte/mmate-relay/topology"
)

// State is the consumer's processing state
type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateProcessing
	StateAcked
	StateRetrying
	StateDeadLettered
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateProcessing:
		return "processing"
	case StateAcked:
		return "acked"
	case StateRetrying:
		return "retrying"
	case StateDeadLettered:
		return "dead-lettered"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	defaultPrefetch         = 10
	defaultShutdownTimeout  = 30 * time.Second
	defaultSettleTimeout    = 10 * time.Second
	defaultResubscribeDelay = time.Second
	maxResubscribeDelay     = 30 * time.Second
)

// DefaultRetryPolicy returns the consumer retry policy: three attempts,
// 5s base delay doubling up to 300s. Every error except a permanent one
// is retried.
func DefaultRetryPolicy() *reliability.ExponentialBackoff {
	policy := reliability.NewExponentialBackoff(5*time.Second, 300*time.Second, 2, 3)
	policy.Retryable = func(err error) bool {
		return err != nil && !contracts.IsPermanent(err)
	}
	return policy
}

// Consumer subscribes to one queue and drives every delivery through
// Processing to an ack, a scheduled retry or the dead-letter exchange.
type Consumer struct {
	queue       string
	subscriber  TransportSubscriber
	publisher   TransportPublisher
	waitQueues  WaitQueueDeclarer
	dispatcher  *MessageDispatcher
	serializers *serialization.Registry
	policy      reliability.RetryPolicy
	inspector   RedeliveryInspector

	deadLetterExchange   string
	deadLetterRoutingKey string

	prefetch         int
	instances        int
	shutdownTimeout  time.Duration
	handlerTimeout   time.Duration
	settleTimeout    time.Duration
	resubscribeDelay time.Duration

	metrics    *Metrics
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
	observer   func(from, to State)

	state atomic.Int32

	mu             sync.Mutex
	running        bool
	subs           []TransportSubscription
	stopIntake     context.CancelFunc
	cancelHandlers context.CancelFunc
	done           chan struct{}
	runErr         error
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics records consumption metrics
func WithConsumerMetrics(metrics *Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// WithConsumerPropagator sets the trace propagator used to continue traces
// from delivery headers. Defaults to the global propagator.
func WithConsumerPropagator(p propagation.TextMapPropagator) ConsumerOption {
	return func(c *Consumer) {
		c.propagator = p
	}
}

// WithRetryPolicy replaces the handler retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
	}
}

// WithRedeliveryInspector replaces how prior attempts are counted
func WithRedeliveryInspector(inspector RedeliveryInspector) ConsumerOption {
	return func(c *Consumer) {
		c.inspector = inspector
	}
}

// WithDeadLetter sets where dead-lettered copies are published. Without it
// failed deliveries are rejected and left to the queue's broker-side
// dead-letter exchange.
func WithDeadLetter(exchange, routingKey string) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetterExchange = exchange
		c.deadLetterRoutingKey = routingKey
	}
}

// WithConsumerWaitQueues declares retry wait queues before use
func WithConsumerWaitQueues(declarer WaitQueueDeclarer) ConsumerOption {
	return func(c *Consumer) {
		c.waitQueues = declarer
	}
}

// WithSerializers sets the serializers used to decode deliveries
func WithSerializers(registry *serialization.Registry) ConsumerOption {
	return func(c *Consumer) {
		c.serializers = registry
	}
}

// WithPrefetch sets how many unacknowledged deliveries each instance holds
func WithPrefetch(prefetch int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = prefetch
	}
}

// WithInstances sets how many subscriptions process the queue concurrently
func WithInstances(instances int) ConsumerOption {
	return func(c *Consumer) {
		c.instances = instances
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight handlers
func WithShutdownTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.shutdownTimeout = timeout
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero means no limit.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithResubscribeDelay sets the initial wait before resubscribing after
// the broker closed a subscription
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = delay
	}
}

// WithStateObserver is called on every state transition
func WithStateObserver(observer func(from, to State)) ConsumerOption {
	return func(c *Consumer) {
		c.observer = observer
	}
}

// NewConsumer creates a consumer for queue. Retries and dead-lettered
// copies are published through publisher.
func NewConsumer(queue string, subscriber TransportSubscriber, publisher TransportPublisher, dispatcher *MessageDispatcher, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:            queue,
		subscriber:       subscriber,
		publisher:        publisher,
		dispatcher:       dispatcher,
		serializers:      serialization.NewRegistry(serialization.NewJSONSerializer()),
		policy:           DefaultRetryPolicy(),
		inspector:        HeaderInspector{},
		prefetch:         defaultPrefetch,
		instances:        1,
		shutdownTimeout:  defaultShutdownTimeout,
		settleTimeout:    defaultSettleTimeout,
		resubscribeDelay: defaultResubscribeDelay,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.instances < 1 {
		c.instances = 1
	}
	c.logger = c.logger.With("queue", queue)

	return c
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// State returns the most recent state of the consumer
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// transition moves to a new state. Once stopped, only reset moves the
// consumer on, so handlers outliving Stop cannot revive it.
func (c *Consumer) transition(to State) {
	for {
		from := State(c.state.Load())
		if from == StateStopped {
			return
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.notify(from, to)
			return
		}
	}
}

func (c *Consumer) reset(to State) {
	c.notify(State(c.state.Swap(int32(to))), to)
}

func (c *Consumer) notify(from, to State) {
	if c.observer != nil {
		c.observer(from, to)
	}
}

// Start subscribes every instance and processes deliveries in the
// background until Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrConsumerRunning
	}
	if c.dispatcher == nil {
		return fmt.Errorf("consumer for %s has no dispatcher", c.queue)
	}

	subs := make([]TransportSubscription, 0, c.instances)
	for i := 0; i < c.instances; i++ {
		sub, err := c.subscriber.Subscribe(ctx, c.queue, SubscriptionOptions{PrefetchCount: c.prefetch})
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return fmt.Errorf("subscribe to %s: %w", c.queue, err)
		}
		subs = append(subs, sub)
	}

	intakeCtx, stopIntake := context.WithCancel(context.Background())
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())

	c.subs = subs
	c.stopIntake = stopIntake
	c.cancelHandlers = cancelHandlers
	c.done = make(chan struct{})
	c.runErr = nil
	c.running = true
	c.reset(StateSubscribed)

	g, gctx := errgroup.WithContext(intakeCtx)
	for i := range subs {
		g.Go(func() error {
			return c.consume(gctx, handlerCtx, i)
		})
	}
	done := c.done
	go func() {
		err := g.Wait()
		c.mu.Lock()
		if c.done == done {
			c.runErr = err
		}
		c.mu.Unlock()
		close(done)
	}()

	c.logger.Info("consumer started", "instances", c.instances, "prefetch", c.prefetch)
	return nil
}

// Run starts the consumer and blocks until ctx is done, then stops it
// within the shutdown timeout.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), c.StopTimeout())
	defer cancel()
	return c.Stop(stopCtx)
}

// StopTimeout is how long a Stop context should allow: the shutdown
// timeout plus time to settle deliveries of cancelled handlers.
func (c *Consumer) StopTimeout() time.Duration {
	return c.shutdownTimeout + c.settleTimeout
}

// Stop stops taking deliveries and waits for in-flight handlers. Handlers
// still running after the shutdown timeout have their context cancelled
// and their messages are requeued.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	subs := c.subs
	done := c.done
	stopIntake := c.stopIntake
	cancelHandlers := c.cancelHandlers
	c.mu.Unlock()

	stopIntake()
	for _, sub := range c.currentSubs(subs) {
		if err := sub.Cancel(); err != nil {
			c.logger.Debug("failed to cancel subscription", "error", err)
		}
	}

	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("shutdown timeout elapsed, cancelling handlers", "timeout", c.shutdownTimeout)
		cancelHandlers()
	case <-ctx.Done():
		cancelHandlers()
	}

	select {
	case <-done:
	case <-ctx.Done():
		err = contracts.Cancelled(ctx.Err())
	}
	cancelHandlers()

	for _, sub := range c.currentSubs(subs) {
		if closeErr := sub.Close(); closeErr != nil {
			c.logger.Debug("failed to close subscription", "error", closeErr)
		}
	}

	c.transition(StateStopped)
	c.logger.Info("consumer stopped")

	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

func (c *Consumer) currentSubs(fallback []TransportSubscription) []TransportSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return fallback
	}
	return append([]TransportSubscription(nil), c.subs...)
}

func (c *Consumer) subscription(instance int) TransportSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[instance]
}

// consume runs up to prefetch handlers at once for one subscription and
// returns only after all of them have settled their deliveries.
func (c *Consumer) consume(intakeCtx, handlerCtx context.Context, instance int) error {
	sub := c.subscription(instance)

	var workers errgroup.Group
	workers.SetLimit(max(c.prefetch, 1))
	defer workers.Wait()

	for {
		select {
		case <-intakeCtx.Done():
			return nil
		case d, ok := <-sub.Deliveries():
			if !ok {
				if intakeCtx.Err() != nil {
					return nil
				}
				c.logger.Warn("delivery channel closed, resubscribing", "instance", instance)
				var err error
				if sub, err = c.resubscribe(intakeCtx, instance); err != nil {
					return nil
				}
				continue
			}
			if intakeCtx.Err() != nil {
				_ = d.Reject(true)
				return nil
			}
			workers.Go(func() error {
				if intakeCtx.Err() != nil {
					_ = d.Reject(true)
					return nil
				}
				c.process(handlerCtx, d)
				return nil
			})
		}
	}
}

func (c *Consumer) resubscribe(ctx context.Context, instance int) (TransportSubscription, error) {
	backoff := reliability.NewExponentialBackoff(c.resubscribeDelay, maxResubscribeDelay, 2, 0)
	backoff.Jitter = true

	for attempt := 0; ; attempt++ {
		if err := reliability.SleepWithContext(ctx, backoff.NextDelay(attempt)); err != nil {
			return nil, err
		}
		sub, err := c.subscriber.Subscribe(ctx, c.queue, SubscriptionOptions{PrefetchCount: c.prefetch})
		if err != nil {
			c.logger.Warn("resubscribe failed", "instance", instance, "attempt", attempt+1, "error", err)
			continue
		}

		c.mu.Lock()
		c.subs[instance] = sub
		c.mu.Unlock()
		if ctx.Err() != nil {
			_ = sub.Cancel()
		}

		c.logger.Info("resubscribed", "instance", instance)
		c.transition(StateSubscribed)
		return sub, nil
	}
}

// process settles exactly one delivery
func (c *Consumer) process(handlerCtx context.Context, d TransportDelivery) {
	c.transition(StateProcessing)
	defer c.transition(StateSubscribed)

	attempt := c.inspector.Attempt(c.queue, d.Headers())

	serializer, err := c.serializers.Lookup(d.ContentType())
	if err != nil {
		c.deadLetter(d, nil, reliability.ReasonMalformedPayload, attempt+1, err)
		return
	}

	var env contracts.Envelope
	if err := serializer.Deserialize(d.Body(), &env); err != nil {
		c.deadLetter(d, nil, reliability.ReasonMalformedPayload, attempt+1, fmt.Errorf("%w: %w", contracts.ErrMalformedPayload, err))
		return
	}
	if err := env.Validate(); err != nil {
		c.deadLetter(d, &env, reliability.ReasonMalformedPayload, attempt+1, err)
		return
	}

	msg, handler, err := c.dispatcher.Decode(serializer, env)
	if err != nil {
		reason := reliability.ReasonMalformedPayload
		if errors.Is(err, ErrNoHandler) {
			reason = reliability.ReasonUnknownType
		}
		c.deadLetter(d, &env, reason, attempt+1, err)
		return
	}

	ctx := extractTraceContext(handlerCtx, c.propagator, d.Headers())
	ctx = contracts.ContextWithEnvelope(ctx, env)
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	started := time.Now()
	err = c.invoke(ctx, handler, msg)
	c.metrics.recordHandler(c.queue, env.Type, time.Since(started))

	log := c.logger.With("messageId", env.ID, "messageType", env.Type, "correlationId", env.CorrelationID, "attempt", attempt)

	if err == nil {
		if ackErr := d.Acknowledge(); ackErr != nil {
			log.Error("failed to ack message", "error", ackErr)
			return
		}
		c.transition(StateAcked)
		c.metrics.recordOutcome(c.queue, OutcomeAcked)
		log.Debug("message processed successfully")
		return
	}

	if handlerCtx.Err() != nil {
		if rejectErr := d.Reject(true); rejectErr != nil {
			log.Error("failed to requeue message", "error", rejectErr)
		}
		c.metrics.recordOutcome(c.queue, OutcomeRequeued)
		log.Info("handler cancelled by shutdown, message requeued")
		return
	}

	failure := &contracts.HandlerError{MessageType: env.Type, MessageID: env.ID, Err: err}
	if contracts.IsPermanent(err) {
		c.deadLetter(d, &env, reliability.ReasonPermanentFailure, attempt+1, failure)
		return
	}

	retry, delay := c.policy.ShouldRetry(attempt, err)
	if !retry {
		c.deadLetter(d, &env, reliability.ReasonRetriesExhausted, attempt+1, failure)
		return
	}

	if err := c.scheduleRetry(d, env, attempt, delay, failure); err != nil {
		log.Error("failed to schedule retry, requeueing", "error", err)
		if rejectErr := d.Reject(true); rejectErr != nil {
			log.Error("failed to requeue message", "error", rejectErr)
		}
		c.metrics.recordOutcome(c.queue, OutcomeRequeued)
		return
	}
	if ackErr := d.Acknowledge(); ackErr != nil {
		log.Error("failed to ack message after scheduling retry", "error", ackErr)
	}
	c.transition(StateRetrying)
	c.metrics.recordOutcome(c.queue, OutcomeRetried)
	log.Warn("handler failed, retry scheduled", "delay", delay, "maxAttempts", c.policy.MaxAttempts(), "error", err)
}

// invoke runs the handler and turns a panic into a handler error
func (c *Consumer) invoke(ctx context.Context, handler MessageHandler, msg contracts.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "messageId", msg.GetID(), "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, msg)
}

func (c *Consumer) scheduleRetry(d TransportDelivery, env contracts.Envelope, attempt int, delay time.Duration, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.settleTimeout)
	defer cancel()

	headers := c.carryHeaders(d)
	headers[reliability.HeaderRetryCount] = int64(attempt + 1)
	headers[reliability.HeaderLastError] = truncate(cause.Error())

	exchange, routingKey := "", c.queue
	if delay > 0 {
		wq := topology.RetryQueue(c.queue, delay)
		if c.waitQueues != nil {
			if err := c.waitQueues.EnsureWaitQueue(ctx, wq); err != nil {
				return err
			}
		}
		routingKey = wq.Name
	}

	return c.publisher.Publish(ctx, exchange, routingKey, c.outbound(d, &env, headers))
}

// deadLetter publishes an annotated copy to the dead-letter exchange and
// acks the original. When the copy cannot be published the delivery is
// rejected without requeue so the broker's own dead-lettering applies.
func (c *Consumer) deadLetter(d TransportDelivery, env *contracts.Envelope, reason string, attempts int, cause error) {
	log := c.logger.With("reason", reason, "attempts", attempts)
	if env != nil {
		log = log.With("messageId", env.ID, "messageType", env.Type)
	}

	defer func() {
		c.transition(StateDeadLettered)
		c.metrics.recordOutcome(c.queue, OutcomeDeadLettered)
		c.metrics.recordDeadLetter(c.queue, reason)
	}()

	if c.deadLetterExchange == "" {
		if err := d.Reject(false); err != nil {
			log.Error("failed to reject message", "error", err)
		}
		log.Warn("message rejected to broker dead-lettering", "error", cause)
		return
	}

	headers := c.carryHeaders(d)
	metadata := reliability.DLQMetadata{
		Reason:             reason,
		Attempts:           attempts,
		OriginalQueue:      c.queue,
		OriginalExchange:   reliability.HeaderString(headers, reliability.HeaderOriginalExchange),
		OriginalRoutingKey: reliability.HeaderString(headers, reliability.HeaderOriginalRoutingKey),
		FailedAt:           time.Now(),
	}
	if cause != nil {
		metadata.LastError = cause.Error()
	}
	maps.Copy(headers, metadata.Headers())

	ctx, cancel := context.WithTimeout(context.Background(), c.settleTimeout)
	defer cancel()

	if err := c.publisher.Publish(ctx, c.deadLetterExchange, c.deadLetterRoutingKey, c.outbound(d, env, headers)); err != nil {
		dlqErr := &reliability.DLQError{
			Queue:     c.queue,
			MessageID: "unknown",
			Op:        "publish",
			Err:       err,
			Timestamp: time.Now(),
		}
		if env != nil {
			dlqErr.MessageID = env.ID
		}
		log.Error("failed to publish dead-letter copy, rejecting", "error", dlqErr)
		if rejectErr := d.Reject(false); rejectErr != nil {
			log.Error("failed to reject message", "error", rejectErr)
		}
		return
	}
	if err := d.Acknowledge(); err != nil {
		log.Error("failed to ack dead-lettered message", "error", err)
	}
	log.Warn("message dead-lettered", "error", cause)
}

// carryHeaders copies the delivery headers and pins where the message was
// first published, since retried copies arrive through the default exchange.
func (c *Consumer) carryHeaders(d TransportDelivery) map[string]any {
	headers := make(map[string]any, len(d.Headers())+4)
	maps.Copy(headers, d.Headers())
	if _, ok := headers[reliability.HeaderOriginalExchange]; !ok {
		headers[reliability.HeaderOriginalExchange] = d.Exchange()
	}
	if _, ok := headers[reliability.HeaderOriginalRoutingKey]; !ok {
		headers[reliability.HeaderOriginalRoutingKey] = d.RoutingKey()
	}
	return headers
}

func (c *Consumer) outbound(d TransportDelivery, env *contracts.Envelope, headers map[string]any) OutboundMessage {
	out := OutboundMessage{
		Body:        d.Body(),
		ContentType: d.ContentType(),
		Headers:     headers,
		Persistent:  true,
		Timestamp:   time.Now().UTC(),
	}
	if env != nil {
		out.MessageID = env.ID
		out.CorrelationID = env.CorrelationID
		out.Type = env.Type
		out.Timestamp = env.Timestamp
	}
	return out
}

func truncate(s string) string {
	return reliability.TruncateUTF8(s, 1024)
}
