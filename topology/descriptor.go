// Package topology describes the exchanges, queues, bindings and dead-letter
// pair a relay client works against. A Descriptor is built once at startup
// and is read-only afterwards, so it can be shared without locking.
package topology

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

const (
	KindTopic   = "topic"
	KindDirect  = "direct"
	KindFanout  = "fanout"
	KindHeaders = "headers"

	// KindDelayed is the exchange type provided by the delayed message plugin
	KindDelayed = "x-delayed-message"

	// DefaultDeadLetterRoutingKey is the key exhausted messages are routed with
	DefaultDeadLetterRoutingKey = "dead-letter"
)

var (
	ErrInvalidTopology = errors.New("topology: invalid")
	ErrUnknownQueue    = errors.New("topology: unknown queue")
	ErrUnknownExchange = errors.New("topology: unknown exchange")
)

// Exchange describes an exchange
type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	// Delayed declares the exchange through the delayed message plugin
	Delayed bool
}

// Queue describes a queue and its single binding. A queue without an
// exchange is only reachable through the default exchange by its name.
type Queue struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Exchange   string
	RoutingKey string
	DeadLetter bool
	MessageTTL time.Duration
}

// DeadLetter is the distinguished dead-letter exchange/queue pair
type DeadLetter struct {
	Exchange   string
	Queue      string
	RoutingKey string
	MessageTTL time.Duration
}

// Route is where a message type is published when no explicit target is given
type Route struct {
	Exchange   string
	RoutingKey string
}

// Spec is the input to New
type Spec struct {
	DefaultExchange string
	Exchanges       []Exchange
	Queues          []Queue
	Routes          map[string]Route
	DeadLetter      *DeadLetter
}

// Descriptor is a validated, immutable topology
type Descriptor struct {
	defaultExchange string
	exchanges       map[string]Exchange
	queues          map[string]Queue
	routes          map[string]Route
	deadLetter      *DeadLetter
}

// New validates spec and returns its descriptor
func New(spec Spec) (*Descriptor, error) {
	d := &Descriptor{
		defaultExchange: spec.DefaultExchange,
		exchanges:       make(map[string]Exchange, len(spec.Exchanges)),
		queues:          make(map[string]Queue, len(spec.Queues)),
		routes:          maps.Clone(spec.Routes),
	}
	if d.routes == nil {
		d.routes = make(map[string]Route)
	}

	if spec.DeadLetter != nil {
		dl := *spec.DeadLetter
		if dl.RoutingKey == "" {
			dl.RoutingKey = DefaultDeadLetterRoutingKey
		}
		if dl.Exchange == "" || dl.Queue == "" {
			return nil, fmt.Errorf("%w: dead-letter exchange and queue must be named", ErrInvalidTopology)
		}
		d.deadLetter = &dl
	}

	for _, e := range spec.Exchanges {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: exchange without a name", ErrInvalidTopology)
		}
		if e.Kind == "" {
			e.Kind = KindTopic
		}
		switch e.Kind {
		case KindTopic, KindDirect, KindFanout, KindHeaders:
		default:
			return nil, fmt.Errorf("%w: exchange %s has unknown kind %q", ErrInvalidTopology, e.Name, e.Kind)
		}
		if _, dup := d.exchanges[e.Name]; dup {
			return nil, fmt.Errorf("%w: exchange %s declared twice", ErrInvalidTopology, e.Name)
		}
		if d.deadLetter != nil && e.Name == d.deadLetter.Exchange {
			return nil, fmt.Errorf("%w: exchange %s collides with the dead-letter exchange", ErrInvalidTopology, e.Name)
		}
		d.exchanges[e.Name] = e
	}

	for _, q := range spec.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("%w: queue without a name", ErrInvalidTopology)
		}
		if _, dup := d.queues[q.Name]; dup {
			return nil, fmt.Errorf("%w: queue %s declared twice", ErrInvalidTopology, q.Name)
		}
		if d.deadLetter != nil && q.Name == d.deadLetter.Queue {
			return nil, fmt.Errorf("%w: queue %s collides with the dead-letter queue", ErrInvalidTopology, q.Name)
		}
		if q.Exchange == "" && q.RoutingKey != "" {
			return nil, fmt.Errorf("%w: queue %s has routing key %q but no exchange", ErrInvalidTopology, q.Name, q.RoutingKey)
		}
		if q.Exchange != "" && !d.hasExchange(q.Exchange) {
			return nil, fmt.Errorf("%w: queue %s binds to %s: %w", ErrInvalidTopology, q.Name, q.Exchange, ErrUnknownExchange)
		}
		if q.DeadLetter && d.deadLetter == nil {
			return nil, fmt.Errorf("%w: queue %s dead-letters but no dead-letter pair is configured", ErrInvalidTopology, q.Name)
		}
		d.queues[q.Name] = q
	}

	if d.defaultExchange != "" && !d.hasExchange(d.defaultExchange) {
		return nil, fmt.Errorf("%w: default exchange %s: %w", ErrInvalidTopology, d.defaultExchange, ErrUnknownExchange)
	}
	for msgType, r := range d.routes {
		if !d.hasExchange(r.Exchange) {
			return nil, fmt.Errorf("%w: route for %s targets %s: %w", ErrInvalidTopology, msgType, r.Exchange, ErrUnknownExchange)
		}
	}

	return d, nil
}

func (d *Descriptor) hasExchange(name string) bool {
	if _, ok := d.exchanges[name]; ok {
		return true
	}
	return d.deadLetter != nil && d.deadLetter.Exchange == name
}

// Exchanges returns application exchanges sorted by name
func (d *Descriptor) Exchanges() []Exchange {
	out := slices.Collect(maps.Values(d.exchanges))
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Exchange returns an application exchange by name
func (d *Descriptor) Exchange(name string) (Exchange, bool) {
	e, ok := d.exchanges[name]
	return e, ok
}

// Queues returns application queues sorted by name
func (d *Descriptor) Queues() []Queue {
	out := slices.Collect(maps.Values(d.queues))
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Queue returns an application queue by name
func (d *Descriptor) Queue(name string) (Queue, error) {
	q, ok := d.queues[name]
	if !ok {
		return Queue{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// DeadLetter returns the dead-letter pair when dead-lettering is enabled
func (d *Descriptor) DeadLetter() (DeadLetter, bool) {
	if d.deadLetter == nil {
		return DeadLetter{}, false
	}
	return *d.deadLetter, true
}

// Route returns the publish target for a message type. Types without an
// explicit route go to the default exchange keyed by their type name.
func (d *Descriptor) Route(messageType string) Route {
	if r, ok := d.routes[messageType]; ok {
		return r
	}
	return Route{Exchange: d.defaultExchange, RoutingKey: messageType}
}

// ExchangeArguments returns the declared kind and arguments for e
func ExchangeArguments(e Exchange) (string, map[string]any) {
	if e.Delayed {
		return KindDelayed, map[string]any{"x-delayed-type": e.Kind}
	}
	return e.Kind, nil
}

// QueueArguments returns the declare arguments for q. Queues that
// dead-letter route rejected messages to the dead-letter exchange with the
// fixed dead-letter key; the broker keeps the original key in x-death.
func (d *Descriptor) QueueArguments(q Queue) map[string]any {
	args := make(map[string]any)
	if q.DeadLetter && d.deadLetter != nil {
		args["x-dead-letter-exchange"] = d.deadLetter.Exchange
		args["x-dead-letter-routing-key"] = d.deadLetter.RoutingKey
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = TTLMillis(q.MessageTTL)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// DeadLetterQueueArguments returns the declare arguments for the dead-letter queue
func (d *Descriptor) DeadLetterQueueArguments() map[string]any {
	if d.deadLetter == nil || d.deadLetter.MessageTTL <= 0 {
		return nil
	}
	return map[string]any{"x-message-ttl": TTLMillis(d.deadLetter.MessageTTL)}
}
