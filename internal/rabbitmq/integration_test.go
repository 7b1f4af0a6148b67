//go:build integration

package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/topology"
)

const testRabbitMQImage = "rabbitmq:3-management-alpine"

func setupBroker(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcrabbit.Run(ctx,
		testRabbitMQImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start RabbitMQ container")
	t.Cleanup(func() {
		assert.NoError(t, container.Terminate(context.Background()))
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	return url
}

type testConnectionListener struct {
	connected    chan struct{}
	disconnected chan error
}

func (l *testConnectionListener) OnConnected()           { l.connected <- struct{}{} }
func (l *testConnectionListener) OnDisconnected(err error) { l.disconnected <- err }
func (l *testConnectionListener) OnReconnecting(int)     {}

func TestBrokerIntegration(t *testing.T) {
	url := setupBroker(t)
	ctx := context.Background()

	cm := NewConnectionManager(url, WithReconnectDelay(200*time.Millisecond))
	require.NoError(t, cm.Connect(ctx))
	defer cm.Close()

	pool, err := NewChannelPool(cm, WithConfirmMode(true))
	require.NoError(t, err)
	defer pool.Close()

	publisher := NewPublisher(pool, WithMandatory(true))
	consumer := NewConsumer(cm, WithPrefetchCount(5))
	tm := NewTopologyManager(pool, nil)

	desc, err := topology.New(topology.Spec{
		DefaultExchange: "it.events",
		Exchanges: []topology.Exchange{
			{Name: "it.events", Kind: topology.KindTopic, Durable: true},
		},
		Queues: []topology.Queue{
			{Name: "it.scanner", Durable: true, Exchange: "it.events", RoutingKey: "server.#", DeadLetter: true},
		},
		DeadLetter: &topology.DeadLetter{Exchange: "it.dlx", Queue: "it.dlq"},
	})
	require.NoError(t, err)
	require.NoError(t, tm.DeclareTopology(ctx, desc))

	t.Run("confirmed publish reaches the bound queue", func(t *testing.T) {
		err := publisher.Publish(ctx, "it.events", "server.registered", amqp.Publishing{
			ContentType: "application/json",
			MessageId:   "m-1",
			Body:        []byte(`{"serverId":"s1"}`),
		})
		require.NoError(t, err)

		sub, err := consumer.Subscribe(ctx, "it.scanner", SubscribeOptions{})
		require.NoError(t, err)
		defer sub.Close()

		select {
		case d := <-sub.Deliveries():
			assert.Equal(t, "m-1", d.MessageId)
			assert.NoError(t, d.Ack(false))
		case <-time.After(5 * time.Second):
			t.Fatal("no delivery")
		}
	})

	t.Run("unroutable mandatory publish fails", func(t *testing.T) {
		err := publisher.Publish(ctx, "it.events", "nobody.listens", amqp.Publishing{Body: []byte("{}")})
		assert.ErrorIs(t, err, ErrMandatoryFailed)
	})

	t.Run("rejected messages reach the dead-letter queue", func(t *testing.T) {
		require.NoError(t, publisher.Publish(ctx, "it.events", "server.x", amqp.Publishing{Body: []byte("{}")}))

		sub, err := consumer.Subscribe(ctx, "it.scanner", SubscribeOptions{})
		require.NoError(t, err)
		d := <-sub.Deliveries()
		require.NoError(t, d.Reject(false))
		require.NoError(t, sub.Close())

		require.Eventually(t, func() bool {
			q, err := tm.QueueInfo(ctx, "it.dlq")
			return err == nil && q.Messages == 1
		}, 5*time.Second, 50*time.Millisecond)

		peeked, err := tm.Peek(ctx, "it.dlq", 10)
		require.NoError(t, err)
		require.Len(t, peeked, 1)
		assert.Equal(t, 1, reliability.DeathCount(peeked[0].Headers, "it.scanner"))

		q, err := tm.QueueInfo(ctx, "it.dlq")
		require.NoError(t, err)
		assert.Equal(t, 1, q.Messages, "peek must not consume")
	})

	t.Run("wait queue routes back after its ttl", func(t *testing.T) {
		wq := topology.RetryQueue("it.scanner", 200*time.Millisecond)
		require.NoError(t, tm.EnsureWaitQueue(ctx, wq))
		require.NoError(t, tm.EnsureWaitQueue(ctx, wq))

		start := time.Now()
		require.NoError(t, publisher.Publish(ctx, "", wq.Name, amqp.Publishing{Body: []byte("{}")}))

		sub, err := consumer.Subscribe(ctx, "it.scanner", SubscribeOptions{})
		require.NoError(t, err)
		defer sub.Close()

		select {
		case d := <-sub.Deliveries():
			assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
			assert.NoError(t, d.Ack(false))
		case <-time.After(5 * time.Second):
			t.Fatal("message not returned from wait queue")
		}
	})

	t.Run("reconnects after the connection drops", func(t *testing.T) {
		listener := &testConnectionListener{
			connected:    make(chan struct{}, 1),
			disconnected: make(chan error, 1),
		}
		cm.AddStateListener(listener)
		defer cm.RemoveStateListener(listener)

		conn, err := cm.GetConnection()
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		select {
		case <-listener.disconnected:
		case <-time.After(2 * time.Second):
			t.Fatal("disconnection not detected")
		}
		select {
		case <-listener.connected:
		case <-time.After(10 * time.Second):
			t.Fatal("reconnection failed")
		}

		err = publisher.Publish(ctx, "it.events", "server.after", amqp.Publishing{Body: []byte(fmt.Sprintf(`{"n":%d}`, 1))})
		assert.NoError(t, err)
	})
}
