package messaging

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/topology"
)

// mockBroker is an in-memory broker. It routes by exact binding key,
// expires wait queues into their dead-letter target and honors x-delay on
// exchanges marked as plugin-delayed.
type mockBroker struct {
	mu         sync.Mutex
	bindings   map[string]string
	queues     map[string]*mockQueue
	waitQueues map[string]topology.WaitQueue
	delayed    map[string]bool
	published  []publishRecord
	subs       []*mockSubscription

	publishErr   func(exchange, routingKey string, msg OutboundMessage) error
	subscribeErr error
	publishCalls atomic.Int32
}

type publishRecord struct {
	Exchange   string
	RoutingKey string
	Msg        OutboundMessage
	At         time.Time
}

type mockQueue struct {
	name       string
	deliveries chan *mockDelivery
	arrivals   []time.Time
	history    []*mockDelivery
	rejected   []*mockDelivery
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		bindings:   make(map[string]string),
		queues:     make(map[string]*mockQueue),
		waitQueues: make(map[string]topology.WaitQueue),
		delayed:    make(map[string]bool),
	}
}

func (b *mockBroker) bind(exchange, routingKey, queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[exchange+"|"+routingKey] = queue
	b.queueLocked(queue)
}

func (b *mockBroker) queue(name string) *mockQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueLocked(name)
}

func (b *mockBroker) queueLocked(name string) *mockQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &mockQueue{name: name, deliveries: make(chan *mockDelivery, 1024)}
		b.queues[name] = q
	}
	return q
}

// Publish implements TransportPublisher
func (b *mockBroker) Publish(ctx context.Context, exchange, routingKey string, msg OutboundMessage) error {
	b.publishCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.publishErr != nil {
		if err := b.publishErr(exchange, routingKey, msg); err != nil {
			return err
		}
	}

	msg.Headers = maps.Clone(msg.Headers)
	b.mu.Lock()
	b.published = append(b.published, publishRecord{Exchange: exchange, RoutingKey: routingKey, Msg: msg, At: time.Now()})
	delayed := b.delayed[exchange]
	b.mu.Unlock()

	if delayed {
		if ms := reliability.HeaderInt(msg.Headers, HeaderDelay); ms > 0 {
			time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
				b.route(exchange, routingKey, msg)
			})
			return nil
		}
	}
	b.route(exchange, routingKey, msg)
	return nil
}

func (b *mockBroker) route(exchange, routingKey string, msg OutboundMessage) {
	b.mu.Lock()
	if exchange == "" {
		if wq, ok := b.waitQueues[routingKey]; ok {
			b.mu.Unlock()
			time.AfterFunc(wq.TTL, func() {
				b.route(wq.DeadLetterExchange, wq.DeadLetterRoutingKey, msg)
			})
			return
		}
		q := b.queueLocked(routingKey)
		b.mu.Unlock()
		b.enqueue(q, &mockDelivery{broker: b, queue: q, msg: msg, exchange: exchange, routingKey: routingKey})
		return
	}

	name, ok := b.bindings[exchange+"|"+routingKey]
	if !ok {
		b.mu.Unlock()
		return
	}
	q := b.queueLocked(name)
	b.mu.Unlock()
	b.enqueue(q, &mockDelivery{broker: b, queue: q, msg: msg, exchange: exchange, routingKey: routingKey})
}

func (b *mockBroker) enqueue(q *mockQueue, d *mockDelivery) {
	b.mu.Lock()
	q.arrivals = append(q.arrivals, time.Now())
	q.history = append(q.history, d)
	b.mu.Unlock()
	q.deliveries <- d
}

// inject places a raw delivery on queue as if another client published it
func (b *mockBroker) inject(queue string, body []byte, contentType string, headers map[string]any) *mockDelivery {
	q := b.queue(queue)
	d := &mockDelivery{
		broker:     b,
		queue:      q,
		msg:        OutboundMessage{Body: body, ContentType: contentType, Headers: headers},
		routingKey: queue,
	}
	b.enqueue(q, d)
	return d
}

// EnsureWaitQueue implements WaitQueueDeclarer
func (b *mockBroker) EnsureWaitQueue(ctx context.Context, wq topology.WaitQueue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitQueues[wq.Name] = wq
	return nil
}

// Subscribe implements TransportSubscriber
func (b *mockBroker) Subscribe(ctx context.Context, queue string, options SubscriptionOptions) (TransportSubscription, error) {
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	sub := &mockSubscription{
		queue: b.queue(queue),
		out:   make(chan TransportDelivery),
		stop:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	go sub.pump()
	return sub, nil
}

// dropSubscriptions simulates the broker closing every consumer channel
func (b *mockBroker) dropSubscriptions() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Cancel()
	}
}

func (b *mockBroker) publishedTo(exchange, routingKey string) []publishRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishRecord
	for _, r := range b.published {
		if r.Exchange == exchange && r.RoutingKey == routingKey {
			out = append(out, r)
		}
	}
	return out
}

func (b *mockBroker) allPublished() []publishRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishRecord(nil), b.published...)
}

func (b *mockBroker) arrivals(queue string) []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	return append([]time.Time(nil), q.arrivals...)
}

// delivered returns every delivery routed to queue
func (b *mockBroker) delivered(queue string) []*mockDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	return append([]*mockDelivery(nil), q.history...)
}

func (b *mockBroker) depth(queue string) int {
	return len(b.queue(queue).deliveries)
}

type mockSubscription struct {
	queue    *mockQueue
	out      chan TransportDelivery
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *mockSubscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case d := <-s.queue.deliveries:
			select {
			case s.out <- d:
			case <-s.stop:
				s.queue.deliveries <- d
				return
			}
		}
	}
}

func (s *mockSubscription) Deliveries() <-chan TransportDelivery {
	return s.out
}

func (s *mockSubscription) Cancel() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *mockSubscription) Close() error {
	return s.Cancel()
}

type mockDelivery struct {
	broker      *mockBroker
	queue       *mockQueue
	msg         OutboundMessage
	exchange    string
	routingKey  string
	redelivered bool

	acks     atomic.Int32
	rejects  atomic.Int32
	requeues atomic.Int32
	ackErr   error
}

func (d *mockDelivery) Body() []byte            { return d.msg.Body }
func (d *mockDelivery) ContentType() string     { return d.msg.ContentType }
func (d *mockDelivery) Headers() map[string]any { return d.msg.Headers }
func (d *mockDelivery) Exchange() string        { return d.exchange }
func (d *mockDelivery) RoutingKey() string      { return d.routingKey }
func (d *mockDelivery) Redelivered() bool       { return d.redelivered }

func (d *mockDelivery) Acknowledge() error {
	if d.ackErr != nil {
		return d.ackErr
	}
	d.acks.Add(1)
	return nil
}

func (d *mockDelivery) Reject(requeue bool) error {
	if !requeue {
		d.rejects.Add(1)
		d.broker.mu.Lock()
		d.queue.rejected = append(d.queue.rejected, d)
		d.broker.mu.Unlock()
		return nil
	}
	d.requeues.Add(1)
	again := &mockDelivery{
		broker:      d.broker,
		queue:       d.queue,
		msg:         d.msg,
		exchange:    d.exchange,
		routingKey:  d.routingKey,
		redelivered: true,
	}
	d.queue.deliveries <- again
	return nil
}

var errBrokerDown = errors.New("broker down")
