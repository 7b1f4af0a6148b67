package messaging

import "github.com/glimte/mmate-relay/internal/reliability"

// RedeliveryInspector reports how many processing attempts a delivery has
// already failed. The first delivery of a message is attempt 0.
type RedeliveryInspector interface {
	Attempt(queue string, headers map[string]any) int
}

// RedeliveryInspectorFunc adapts a function to RedeliveryInspector
type RedeliveryInspectorFunc func(queue string, headers map[string]any) int

// Attempt implements RedeliveryInspector
func (f RedeliveryInspectorFunc) Attempt(queue string, headers map[string]any) int {
	return f(queue, headers)
}

// HeaderInspector reads the retry count the consumer writes when it
// schedules a retry. Messages returned by the broker itself are counted from
// the quorum queue delivery count, then from x-death records for the queue.
type HeaderInspector struct{}

// Attempt implements RedeliveryInspector
func (HeaderInspector) Attempt(queue string, headers map[string]any) int {
	if n := reliability.HeaderInt(headers, reliability.HeaderRetryCount); n > 0 {
		return n
	}
	if n := reliability.HeaderInt(headers, reliability.HeaderDeliveryCount); n > 0 {
		return n
	}
	return reliability.DeathCount(headers, queue)
}
