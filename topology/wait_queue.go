package topology

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxQueueNameLength is the broker limit on queue names in bytes
const MaxQueueNameLength = 255

// WaitQueue is a consumer-less queue whose messages expire after TTL and are
// dead-lettered onward. It backs both consumer retries and delayed publishing
// on exchanges without the delayed message plugin.
type WaitQueue struct {
	Name                 string
	TTL                  time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// Arguments returns the queue declare arguments
func (w WaitQueue) Arguments() map[string]any {
	return map[string]any{
		"x-message-ttl":             TTLMillis(w.TTL),
		"x-dead-letter-exchange":    w.DeadLetterExchange,
		"x-dead-letter-routing-key": w.DeadLetterRoutingKey,
	}
}

// RetryQueue returns the wait queue that feeds queue again after delay.
// Expired messages go through the default exchange straight back to queue.
func RetryQueue(queue string, delay time.Duration) WaitQueue {
	ms := TTLMillis(delay)
	return WaitQueue{
		Name:                 fitName(fmt.Sprintf("%s.retry.%d", queue, ms), "retry", ms, queue),
		TTL:                  time.Duration(ms) * time.Millisecond,
		DeadLetterExchange:   "",
		DeadLetterRoutingKey: queue,
	}
}

// DelayQueue returns the wait queue that publishes to exchange with
// routingKey after delay. Names over MaxQueueNameLength replace the routing
// key with a digest of the target.
func DelayQueue(exchange, routingKey string, delay time.Duration) WaitQueue {
	ms := TTLMillis(delay)
	prefix := exchange
	if prefix == "" {
		prefix = "amq.default"
	}
	name := fmt.Sprintf("%s.delay.%s.%d", prefix, routingKey, ms)
	if len(name) > MaxQueueNameLength {
		name = fitName(fmt.Sprintf("%s.delay.%s.%d", prefix, digest(exchange, routingKey), ms), "delay", ms, exchange, routingKey)
	}
	return WaitQueue{
		Name:                 name,
		TTL:                  time.Duration(ms) * time.Millisecond,
		DeadLetterExchange:   exchange,
		DeadLetterRoutingKey: routingKey,
	}
}

// fitName returns name, or kind, a digest of parts and ms when name is
// over the broker limit.
func fitName(name, kind string, ms int64, parts ...string) string {
	if len(name) <= MaxQueueNameLength {
		return name
	}
	return fmt.Sprintf("relay.%s.%s.%d", kind, digest(parts...), ms)
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// TTLMillis converts d to broker milliseconds, rounding up so that a
// message never waits less than d.
func TTLMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := int64(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}
