package messaging

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded for consumed messages
const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	publishLatency  *prometheus.HistogramVec
	consumed        *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	deadLettered    *prometheus.CounterVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "relay",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mmate",
			Subsystem: "relay",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors and registers them on registerer.
// Collectors already registered by another client are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		published:       newCounterVec("messages_published_total", "Messages confirmed by the broker", []string{"message_type"}),
		publishFailures: newCounterVec("publish_failures_total", "Publishes that did not reach the broker", []string{"message_type", "reason"}),
		publishLatency:  newHistogramVec("publish_duration_seconds", "Time from publish call to broker confirm", []string{"message_type"}),
		consumed:        newCounterVec("messages_consumed_total", "Deliveries settled by consumers", []string{"queue", "outcome"}),
		handlerDuration: newHistogramVec("handler_duration_seconds", "Handler execution time", []string{"queue", "message_type"}),
		deadLettered:    newCounterVec("dead_lettered_total", "Messages routed to the dead-letter queue", []string{"queue", "reason"}),
	}

	var err error
	m.published, err = register(registerer, m.published)
	if err != nil {
		return nil, err
	}
	m.publishFailures, err = register(registerer, m.publishFailures)
	if err != nil {
		return nil, err
	}
	m.publishLatency, err = register(registerer, m.publishLatency)
	if err != nil {
		return nil, err
	}
	m.consumed, err = register(registerer, m.consumed)
	if err != nil {
		return nil, err
	}
	m.handlerDuration, err = register(registerer, m.handlerDuration)
	if err != nil {
		return nil, err
	}
	m.deadLettered, err = register(registerer, m.deadLettered)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) recordPublish(messageType string, started time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishFailures.WithLabelValues(messageType, failureReason(err)).Inc()
		return
	}
	m.published.WithLabelValues(messageType).Inc()
	m.publishLatency.WithLabelValues(messageType).Observe(time.Since(started).Seconds())
}

func (m *Metrics) recordOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) recordHandler(queue, messageType string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(queue, messageType).Observe(d.Seconds())
}

func (m *Metrics) recordDeadLetter(queue, reason string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(queue, reason).Inc()
}
