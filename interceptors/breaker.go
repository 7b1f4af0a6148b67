package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
)

// ErrShortCircuit is returned instead of calling a handler whose breaker is open
var ErrShortCircuit = errors.New("handler circuit open")

// IsShortCircuit reports whether err came from an open handler breaker
func IsShortCircuit(err error) bool {
	return errors.Is(err, ErrShortCircuit)
}

// BreakerSettings configures BreakerInterceptor
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens
	// a type's breaker. Default 5.
	FailureThreshold uint32
	// OpenTimeout is how long a breaker stays open before a trial call.
	// Default 30s.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// BreakerInterceptor keeps one circuit breaker per message type. While a
// type's breaker is open its messages fail fast with ErrShortCircuit and
// go through the normal retry path. Permanent errors do not count as
// failures: they say nothing about the handler's dependencies.
type BreakerInterceptor struct {
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerInterceptor creates a breaker interceptor
func NewBreakerInterceptor(settings BreakerSettings) *BreakerInterceptor {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.Logger == nil {
		settings.Logger = slog.Default()
	}
	return &BreakerInterceptor{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (i *BreakerInterceptor) breaker(messageType string) *gobreaker.CircuitBreaker {
	i.mu.Lock()
	defer i.mu.Unlock()

	if cb, ok := i.breakers[messageType]; ok {
		return cb
	}
	threshold := i.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        messageType,
		MaxRequests: 1,
		Timeout:     i.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || contracts.IsPermanent(err) || contracts.IsCancellation(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			i.settings.Logger.Warn("handler circuit breaker changed state",
				"messageType", name, "from", from.String(), "to", to.String())
		},
	})
	i.breakers[messageType] = cb
	return cb
}

// State returns the breaker state for messageType
func (i *BreakerInterceptor) State(messageType string) gobreaker.State {
	return i.breaker(messageType).State()
}

// Intercept implements Interceptor
func (i *BreakerInterceptor) Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error {
	_, err := i.breaker(msg.GetType()).Execute(func() (any, error) {
		return nil, next.Handle(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrShortCircuit, msg.GetType(), err)
	}
	return err
}

// Name implements Interceptor
func (i *BreakerInterceptor) Name() string {
	return "BreakerInterceptor"
}
