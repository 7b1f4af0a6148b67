package health

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/messaging"
)

// QueueInspector reads queue counters without consuming
type QueueInspector interface {
	QueueInfo(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueDepthChecker reports a queue degraded once it holds more than
// threshold messages. Pointed at the dead-letter queue it surfaces poison
// messages that nobody has looked at.
type QueueDepthChecker struct {
	queueName string
	threshold int
	inspector QueueInspector
}

// NewQueueDepthChecker creates a new queue health checker
func NewQueueDepthChecker(queueName string, threshold int, inspector QueueInspector) *QueueDepthChecker {
	return &QueueDepthChecker{
		queueName: queueName,
		threshold: threshold,
		inspector: inspector,
	}
}

func (c *QueueDepthChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueDepthChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	queue, err := c.inspector.QueueInfo(ctx, c.queueName)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Reason = fmt.Sprintf("queue %s not accessible", c.queueName)
		result.Err = err
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Reason = fmt.Sprintf("queue %s holds %d messages", c.queueName, queue.Messages)
		return result
	}

	result.Status = StatusHealthy
	result.Reason = fmt.Sprintf("queue %s is accessible", c.queueName)
	return result
}

// ConsumerChecker reports a consumer unhealthy unless it is attached to its
// queue
type ConsumerChecker struct {
	consumer *messaging.Consumer
}

// NewConsumerChecker creates a checker for consumer
func NewConsumerChecker(consumer *messaging.Consumer) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return "consumer_" + c.consumer.Queue()
}

func (c *ConsumerChecker) Check(ctx context.Context) Result {
	state := c.consumer.State()
	result := Result{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]any{"state": state.String()},
	}

	result.Reason = fmt.Sprintf("consumer on %s is %s", c.consumer.Queue(), state)
	result.Status = StatusHealthy
	if state == messaging.StateIdle || state == messaging.StateStopped {
		result.Status = StatusUnhealthy
	}
	return result
}
