package mmate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/interceptors"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/topology"
)

type publishRecord struct {
	exchange   string
	routingKey string
	msg        messaging.OutboundMessage
}

type fakeTransport struct {
	mu         sync.Mutex
	declared   []*topology.Descriptor
	published  []publishRecord
	waitQueues []string
	subs       []*fakeSubscription
	depths     map[string]int
	declareErr error
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{depths: make(map[string]int)}
}

func (f *fakeTransport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishRecord{exchange: exchange, routingKey: routingKey, msg: msg})
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, queue string, options messaging.SubscriptionOptions) (messaging.TransportSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{queue: queue, deliveries: make(chan messaging.TransportDelivery, 8)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeTransport) EnsureWaitQueue(ctx context.Context, wq topology.WaitQueue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitQueues = append(f.waitQueues, wq.Name)
	return nil
}

func (f *fakeTransport) DeclareTopology(ctx context.Context, desc *topology.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return f.declareErr
	}
	f.declared = append(f.declared, desc)
	return nil
}

func (f *fakeTransport) QueueInfo(ctx context.Context, queue string) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return amqp.Queue{Name: queue, Messages: f.depths[queue]}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastPublished(t *testing.T) publishRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.published)
	return f.published[len(f.published)-1]
}

func (f *fakeTransport) subscription(t *testing.T) *fakeSubscription {
	t.Helper()
	var sub *fakeSubscription
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.subs) == 0 {
			return false
		}
		sub = f.subs[0]
		return true
	}, time.Second, 5*time.Millisecond)
	return sub
}

type fakeSubscription struct {
	queue      string
	deliveries chan messaging.TransportDelivery
	closeOnce  sync.Once
}

func (s *fakeSubscription) Deliveries() <-chan messaging.TransportDelivery { return s.deliveries }
func (s *fakeSubscription) Cancel() error                                   { return nil }
func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.deliveries) })
	return nil
}

type fakeDelivery struct {
	msg  messaging.OutboundMessage
	mu   sync.Mutex
	acks int
}

func (d *fakeDelivery) Body() []byte            { return d.msg.Body }
func (d *fakeDelivery) ContentType() string     { return d.msg.ContentType }
func (d *fakeDelivery) Headers() map[string]any { return d.msg.Headers }
func (d *fakeDelivery) Exchange() string        { return "inventory.commands" }
func (d *fakeDelivery) RoutingKey() string      { return d.msg.Type }
func (d *fakeDelivery) Redelivered() bool       { return false }
func (d *fakeDelivery) Reject(bool) error       { return nil }
func (d *fakeDelivery) Acknowledge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks++
	return nil
}

func (d *fakeDelivery) ackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks
}

type ScanServer struct {
	contracts.BaseCommand
	ServerID string `json:"serverId"`
}

func newScanServer(serverID string) *ScanServer {
	return &ScanServer{BaseCommand: contracts.NewBaseCommand("ScanServer"), ServerID: serverID}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = 1
	cfg.Broker.RequestTimeout = 500 * time.Millisecond
	cfg.Topology.Exchanges["commands"] = config.ExchangeConfig{Name: "inventory.commands", Kind: "direct", Durable: true}
	cfg.Topology.Queues = map[string]config.QueueConfig{
		"scanner": {Durable: true, Exchange: "commands", RoutingKey: "ScanServer", DeadLetter: true},
	}
	cfg.Topology.Routes = map[string]config.RouteConfig{
		"ScanServer": {Exchange: "commands"},
	}
	return cfg
}

func newTestClient(t *testing.T, transport *fakeTransport, options ...ClientOption) *Client {
	t.Helper()
	options = append([]ClientOption{
		withTransport(transport),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, options...)
	client, err := NewClient(context.Background(), testConfig(), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("declares the configured topology", func(t *testing.T) {
		transport := newFakeTransport()
		client := newTestClient(t, transport)

		require.Len(t, transport.declared, 1)
		assert.Same(t, client.Topology(), transport.declared[0])

		q, err := client.Topology().Queue("scanner")
		require.NoError(t, err)
		assert.Equal(t, "inventory.commands", q.Exchange)
		assert.NotNil(t, client.Publisher())
		assert.NotNil(t, client.Dispatcher())
	})

	t.Run("topology declaration can be skipped", func(t *testing.T) {
		transport := newFakeTransport()
		newTestClient(t, transport, WithTopologyDeclaration(false))
		assert.Empty(t, transport.declared)
	})

	t.Run("declaration failure closes the transport", func(t *testing.T) {
		transport := newFakeTransport()
		transport.declareErr = errors.New("PRECONDITION_FAILED")

		_, err := NewClient(context.Background(), testConfig(), withTransport(transport))
		require.Error(t, err)
		assert.True(t, transport.closed)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry.MaxAttempts = 0

		_, err := NewClient(context.Background(), cfg, withTransport(newFakeTransport()))
		assert.Error(t, err)
	})

	t.Run("metrics registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		client := newTestClient(t, newFakeTransport(), WithMetrics(registry))
		assert.NotNil(t, client.metrics)
	})
}

func TestClient_Publish(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	client := newTestClient(t, transport)

	require.NoError(t, client.Publish(ctx, newScanServer("srv-1")))
	rec := transport.lastPublished(t)
	assert.Equal(t, "inventory.commands", rec.exchange)
	assert.Equal(t, "ScanServer", rec.routingKey)
	assert.True(t, rec.msg.Persistent)

	require.NoError(t, client.PublishTo(ctx, newScanServer("srv-2"), "", "scanner"))
	rec = transport.lastPublished(t)
	assert.Equal(t, "", rec.exchange)
	assert.Equal(t, "scanner", rec.routingKey)

	require.NoError(t, client.PublishDelayed(ctx, newScanServer("srv-3"), 2*time.Second))
	rec = transport.lastPublished(t)
	wq := topology.DelayQueue("inventory.commands", "ScanServer", 2*time.Second)
	assert.Equal(t, wq.Name, rec.routingKey)
	assert.Contains(t, transport.waitQueues, wq.Name)

	err := client.PublishBatch(ctx, []contracts.Message{newScanServer("a"), newScanServer("b")})
	require.NoError(t, err)
	assert.Len(t, transport.published, 5)
}

func TestClient_Consumers(t *testing.T) {
	t.Run("unknown queue", func(t *testing.T) {
		client := newTestClient(t, newFakeTransport())
		_, err := client.NewConsumer("nowhere")
		assert.ErrorIs(t, err, topology.ErrUnknownQueue)
	})

	t.Run("run without consumers", func(t *testing.T) {
		client := newTestClient(t, newFakeTransport())
		assert.Error(t, client.Run(context.Background()))
	})

	t.Run("handles deliveries until cancelled", func(t *testing.T) {
		transport := newFakeTransport()
		client := newTestClient(t, transport)

		handled := make(chan string, 1)
		require.NoError(t, messaging.Register(client.Dispatcher(), "ScanServer",
			func(ctx context.Context, cmd *ScanServer) error {
				handled <- cmd.ServerID
				return nil
			}))

		consumer, err := client.NewConsumer("scanner")
		require.NoError(t, err)
		assert.Equal(t, "scanner", consumer.Queue())

		ctx, cancel := context.WithCancel(context.Background())
		runErr := make(chan error, 1)
		go func() { runErr <- client.Run(ctx) }()

		require.NoError(t, client.Publish(context.Background(), newScanServer("srv-9")))
		delivery := &fakeDelivery{msg: transport.lastPublished(t).msg}
		transport.subscription(t).deliveries <- delivery

		select {
		case id := <-handled:
			assert.Equal(t, "srv-9", id)
		case <-time.After(2 * time.Second):
			t.Fatal("delivery not handled")
		}
		require.Eventually(t, func() bool { return delivery.ackCount() == 1 }, time.Second, 5*time.Millisecond)

		report := client.Health().Check(context.Background())
		assert.Equal(t, health.StatusHealthy, report.Checks["consumer_scanner"].Status)

		cancel()
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
		assert.Equal(t, messaging.StateStopped, consumer.State())
	})

	t.Run("closed client refuses new consumers", func(t *testing.T) {
		transport := newFakeTransport()
		client := newTestClient(t, transport)
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())
		assert.True(t, transport.closed)

		_, err := client.NewConsumer("scanner")
		assert.Error(t, err)
	})
}

func TestClient_CloseWaitsForCancelledHandlers(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(t, transport)
	started := make(chan struct{})
	require.NoError(t, messaging.Register(client.Dispatcher(), "ScanServer",
		func(ctx context.Context, cmd *ScanServer) error {
			close(started)
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return ctx.Err()
		}))

	consumer, err := client.NewConsumer("scanner", messaging.WithShutdownTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	assert.Greater(t, consumer.StopTimeout(), 50*time.Millisecond)

	require.NoError(t, client.Publish(context.Background(), newScanServer("srv-1")))
	transport.subscription(t).deliveries <- &fakeDelivery{msg: transport.lastPublished(t).msg}
	<-started

	require.NoError(t, client.Close())
	assert.Equal(t, messaging.StateStopped, consumer.State())
}

func TestClient_Health(t *testing.T) {
	transport := newFakeTransport()
	client := newTestClient(t, transport)

	result := client.CheckHealth(context.Background())
	assert.Equal(t, health.CheckName, result.Name)
	assert.Equal(t, health.StatusUnhealthy, result.Status)
	assert.Error(t, result.Err)

	transport.depths["relay.dlq"] = 2
	report := client.Health().Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.Equal(t, health.StatusDegraded, report.Checks["queue_relay.dlq"].Status)
	assert.Contains(t, report.Checks, health.CheckName)
	assert.NotNil(t, client.HealthHandler())
}

func TestClient_Interceptors(t *testing.T) {
	var seen []string
	audit := interceptors.NewInterceptorFunc("audit", func(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error {
		seen = append(seen, msg.GetType())
		return next.Handle(ctx, msg)
	})
	client := newTestClient(t, newFakeTransport(), WithInterceptors(audit))

	handled := false
	require.NoError(t, messaging.Register(client.Dispatcher(), "ScanServer",
		func(ctx context.Context, cmd *ScanServer) error {
			handled = true
			return nil
		}))

	require.NoError(t, client.Dispatcher().Dispatch(context.Background(), newScanServer("srv-1")))
	assert.True(t, handled)
	assert.Equal(t, []string{"ScanServer"}, seen)
}
