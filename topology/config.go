package topology

import (
	"fmt"

	"github.com/glimte/mmate-relay/config"
)

// FromConfig builds a descriptor from configuration. Exchange references in
// queues and routes may use either the logical key or the exchange name.
func FromConfig(cfg config.Config) (*Descriptor, error) {
	spec := Spec{Routes: make(map[string]Route)}

	names := make(map[string]string, len(cfg.Topology.Exchanges))
	for key, ec := range cfg.Topology.Exchanges {
		name := ec.Name
		if name == "" {
			name = key
		}
		names[key] = name
		spec.Exchanges = append(spec.Exchanges, Exchange{
			Name:       name,
			Kind:       ec.Kind,
			Durable:    ec.Durable,
			AutoDelete: ec.AutoDelete,
			Delayed:    ec.Delayed,
		})
	}
	resolve := func(ref string) string {
		if name, ok := names[ref]; ok {
			return name
		}
		return ref
	}

	if cfg.DeadLetter.Enabled {
		spec.DeadLetter = &DeadLetter{
			Exchange:   cfg.DeadLetter.Exchange,
			Queue:      cfg.DeadLetter.Queue,
			RoutingKey: cfg.DeadLetter.RoutingKey,
			MessageTTL: cfg.DeadLetter.MessageTTL,
		}
	}

	for key, qc := range cfg.Topology.Queues {
		name := qc.Name
		if name == "" {
			name = key
		}
		spec.Queues = append(spec.Queues, Queue{
			Name:       name,
			Durable:    qc.Durable,
			Exclusive:  qc.Exclusive,
			AutoDelete: qc.AutoDelete,
			Exchange:   resolve(qc.Exchange),
			RoutingKey: qc.RoutingKey,
			DeadLetter: qc.DeadLetter && cfg.DeadLetter.Enabled,
			MessageTTL: qc.MessageTTL,
		})
	}

	for msgType, rc := range cfg.Topology.Routes {
		key := rc.RoutingKey
		if key == "" {
			key = msgType
		}
		spec.Routes[msgType] = Route{Exchange: resolve(rc.Exchange), RoutingKey: key}
	}
	spec.DefaultExchange = resolve(cfg.Topology.DefaultExchange)

	d, err := New(spec)
	if err != nil {
		return nil, fmt.Errorf("building topology from config: %w", err)
	}
	return d, nil
}
