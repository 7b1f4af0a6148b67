package topology

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLMillis(t *testing.T) {
	assert.Equal(t, int64(0), TTLMillis(0))
	assert.Equal(t, int64(0), TTLMillis(-time.Second))
	assert.Equal(t, int64(1), TTLMillis(time.Nanosecond))
	assert.Equal(t, int64(1000), TTLMillis(time.Second))
	assert.Equal(t, int64(1501), TTLMillis(1500*time.Millisecond+time.Microsecond))
}

func TestWaitQueuesNeverShortenDelay(t *testing.T) {
	for _, d := range []time.Duration{time.Nanosecond, 999 * time.Microsecond, 1500 * time.Millisecond, time.Minute} {
		assert.GreaterOrEqual(t, RetryQueue("q", d).TTL, d)
		assert.GreaterOrEqual(t, DelayQueue("e", "k", d).TTL, d)
	}
}

func TestRetryQueue(t *testing.T) {
	w := RetryQueue("scanner.commands", 5*time.Second)

	assert.Equal(t, "scanner.commands.retry.5000", w.Name)
	assert.Equal(t, map[string]any{
		"x-message-ttl":             int64(5000),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": "scanner.commands",
	}, w.Arguments())
}

func TestDelayQueue(t *testing.T) {
	w := DelayQueue("inventory.events", "server.registered", 2*time.Second)
	assert.Equal(t, "inventory.events.delay.server.registered.2000", w.Name)
	assert.Equal(t, "inventory.events", w.DeadLetterExchange)
	assert.Equal(t, "server.registered", w.DeadLetterRoutingKey)

	w = DelayQueue("", "scanner.commands", time.Second)
	assert.Equal(t, "amq.default.delay.scanner.commands.1000", w.Name)
}

func TestWaitQueueNamesFitBrokerLimit(t *testing.T) {
	longKey := strings.Repeat("server.", 40)

	t.Run("long routing key", func(t *testing.T) {
		w := DelayQueue("inventory.events", longKey, time.Second)
		assert.LessOrEqual(t, len(w.Name), MaxQueueNameLength)
		assert.True(t, strings.HasPrefix(w.Name, "inventory.events.delay."))
		assert.True(t, strings.HasSuffix(w.Name, ".1000"))
		assert.Equal(t, longKey, w.DeadLetterRoutingKey)
	})

	t.Run("distinct keys get distinct queues", func(t *testing.T) {
		a := DelayQueue("inventory.events", longKey+"a", time.Second)
		b := DelayQueue("inventory.events", longKey+"b", time.Second)
		assert.NotEqual(t, a.Name, b.Name)
		assert.Equal(t, a.Name, DelayQueue("inventory.events", longKey+"a", time.Second).Name)
	})

	t.Run("long exchange and key", func(t *testing.T) {
		w := DelayQueue(strings.Repeat("e", 250), longKey, time.Second)
		assert.LessOrEqual(t, len(w.Name), MaxQueueNameLength)
		assert.True(t, strings.HasPrefix(w.Name, "relay.delay."))
	})

	t.Run("long retry queue", func(t *testing.T) {
		queue := strings.Repeat("q", 250)
		w := RetryQueue(queue, 5*time.Second)
		assert.LessOrEqual(t, len(w.Name), MaxQueueNameLength)
		assert.Equal(t, queue, w.DeadLetterRoutingKey)
	})

	t.Run("short names are unchanged", func(t *testing.T) {
		assert.Equal(t, "inventory.events.delay.server.registered.2000",
			DelayQueue("inventory.events", "server.registered", 2*time.Second).Name)
	})
}
