package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/topology"
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool     *ChannelPool
	logger   *slog.Logger
	declared sync.Map // wait queue name -> struct{}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool, logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{
		pool:   pool,
		logger: logger,
	}
}

// DeclareTopology declares the dead-letter pair, every exchange, every
// queue with its dead-letter arguments and every binding. Declarations are
// idempotent, so it is safe to call on every start.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, desc *topology.Descriptor) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if dl, ok := desc.DeadLetter(); ok {
			if err := declareExchange(ch, topology.Exchange{Name: dl.Exchange, Kind: topology.KindDirect, Durable: true}); err != nil {
				return err
			}
			if err := declareQueue(ch, dl.Queue, true, false, false, desc.DeadLetterQueueArguments()); err != nil {
				return err
			}
			if err := bindQueue(ch, dl.Queue, dl.RoutingKey, dl.Exchange); err != nil {
				return err
			}
		}

		for _, exchange := range desc.Exchanges() {
			if err := declareExchange(ch, exchange); err != nil {
				return err
			}
		}

		for _, q := range desc.Queues() {
			if err := declareQueue(ch, q.Name, q.Durable, q.AutoDelete, q.Exclusive, desc.QueueArguments(q)); err != nil {
				return err
			}
			if q.Exchange == "" {
				continue
			}
			if err := bindQueue(ch, q.Name, q.RoutingKey, q.Exchange); err != nil {
				return err
			}
		}

		tm.logger.Info("topology declared",
			"exchanges", len(desc.Exchanges()),
			"queues", len(desc.Queues()))
		return nil
	})
}

// EnsureWaitQueue declares a TTL wait queue once per process
func (tm *TopologyManager) EnsureWaitQueue(ctx context.Context, wq topology.WaitQueue) error {
	if _, ok := tm.declared.Load(wq.Name); ok {
		return nil
	}

	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return declareQueue(ch, wq.Name, true, false, false, wq.Arguments())
	})
	if err != nil {
		return err
	}

	tm.declared.Store(wq.Name, struct{}{})
	tm.logger.Debug("wait queue declared", "queue", wq.Name, "ttl", wq.TTL)
	return nil
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	tm.declared.Delete(name)
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDelete(name, ifUnused, ifEmpty, false); err != nil {
			return topologyError("queue", name, "delete", err)
		}
		return nil
	})
}

// QueueInfo passively inspects a queue
func (tm *TopologyManager) QueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return topologyError("queue", name, "inspect", err)
		}
		return nil
	})
	return q, err
}

// Peek reads up to limit messages from queue without consuming them; the
// messages are requeued before Peek returns
func (tm *TopologyManager) Peek(ctx context.Context, queue string, limit int) ([]amqp.Delivery, error) {
	var messages []amqp.Delivery
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for len(messages) < limit {
			if err := ctx.Err(); err != nil {
				break
			}
			d, ok, err := ch.Get(queue, false)
			if err != nil {
				return topologyError("queue", queue, "peek", err)
			}
			if !ok {
				break
			}
			messages = append(messages, d)
		}
		if len(messages) == 0 {
			return nil
		}
		last := messages[len(messages)-1]
		return ch.Nack(last.DeliveryTag, true, true)
	})
	return messages, err
}

func declareExchange(ch *amqp.Channel, exchange topology.Exchange) error {
	kind, args := topology.ExchangeArguments(exchange)
	err := ch.ExchangeDeclare(
		exchange.Name,
		kind,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		amqp.Table(args),
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	return nil
}

func declareQueue(ch *amqp.Channel, name string, durable, autoDelete, exclusive bool, args map[string]any) error {
	_, err := ch.QueueDeclare(
		name,
		durable,
		autoDelete,
		exclusive,
		false, // no-wait
		amqp.Table(args),
	)
	if err != nil {
		return topologyError("queue", name, "declare", err)
	}
	return nil
}

func bindQueue(ch *amqp.Channel, queue, routingKey, exchange string) error {
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return topologyError("binding", fmt.Sprintf("%s->%s", exchange, queue), "declare", err)
	}
	return nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
