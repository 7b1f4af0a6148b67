package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

const (
	// CheckName is the name the broker probe reports under
	CheckName = "messagequeue"

	defaultProbeTimeout = 5 * time.Second
	probeExchange       = "amq.direct"
)

// Probe verifies broker reachability on a connection of its own, so a
// stale cached connection can never make the broker look healthy.
type Probe struct {
	url     string
	timeout time.Duration
	dial    rabbitmq.Dialer
	logger  *slog.Logger
}

// ProbeOption configures a Probe
type ProbeOption func(*Probe)

// WithProbeTimeout bounds every check
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(p *Probe) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithProbeDialer replaces the function used to open probe connections
func WithProbeDialer(dial rabbitmq.Dialer) ProbeOption {
	return func(p *Probe) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithProbeLogger sets the logger
func WithProbeLogger(logger *slog.Logger) ProbeOption {
	return func(p *Probe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProbe creates a broker probe for url
func NewProbe(url string, options ...ProbeOption) *Probe {
	p := &Probe{
		url:     url,
		timeout: defaultProbeTimeout,
		dial:    amqp.DialConfig,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Name implements Checker
func (p *Probe) Name() string {
	return CheckName
}

// Check implements Checker
func (p *Probe) Check(ctx context.Context) Result {
	return p.CheckHealth(ctx)
}

// CheckHealth dials the broker, opens a channel and passively declares
// amq.direct, all within the probe timeout. It always returns a result:
// a timeout or cancellation reports "timed out", any other connection
// failure "unreachable", and a failed declare on a working channel is
// degraded.
func (p *Probe) CheckHealth(ctx context.Context) (result Result) {
	start := time.Now()
	result = Result{Name: CheckName, Timestamp: start}
	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusUnhealthy
			result.Err = fmt.Errorf("probe panic: %v", r)
			result.Reason = "unreachable: " + result.Err.Error()
		}
		result.Duration = time.Since(start)
		if result.Err != nil {
			result.Error = result.Err.Error()
		}
		p.logger.Debug("broker health checked",
			"status", result.Status,
			"reason", result.Reason,
			"duration", result.Duration)
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	outcome := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("probe panic: %v", r)
				outcome <- Result{Status: StatusUnhealthy, Reason: "unreachable: " + err.Error(), Err: err}
			}
		}()
		outcome <- p.probe(ctx)
	}()

	select {
	case r := <-outcome:
		if r.Status == StatusUnhealthy && ctx.Err() != nil {
			return p.timedOut(result, ctx.Err())
		}
		result.Status, result.Reason, result.Err = r.Status, r.Reason, r.Err
		return result
	case <-ctx.Done():
		return p.timedOut(result, ctx.Err())
	}
}

func (p *Probe) timedOut(result Result, cause error) Result {
	result.Status = StatusUnhealthy
	result.Reason = "timed out"
	result.Err = contracts.Cancelled(cause)
	return result
}

// probe runs the broker round trip. The connection is closed even when the
// caller has already given up.
func (p *Probe) probe(ctx context.Context) Result {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("mmate-relay-health")
	conn, err := p.dial(p.url, amqp.Config{
		Properties: props,
		Dial:       amqp.DefaultDial(p.timeout),
	})
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", contracts.ErrConnectionRefused, rabbitmq.SanitizeURL(p.url), err)
		return Result{Status: StatusUnhealthy, Reason: "unreachable: " + err.Error(), Err: err}
	}
	defer conn.Close()

	if ctx.Err() != nil {
		return Result{Status: StatusUnhealthy, Err: ctx.Err()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return Result{Status: StatusUnhealthy, Reason: "unreachable: " + err.Error(), Err: err}
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive(probeExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return Result{Status: StatusDegraded, Reason: "exchange check failed: " + err.Error(), Err: err}
	}
	return Result{Status: StatusHealthy, Reason: "broker reachable"}
}
