package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// RetryPolicy defines the interface for retry policies. Attempts are
// numbered from 0: attempt 0 is the first try.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should follow the failed attempt
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of attempts allowed
	MaxAttempts() int
	// NextDelay calculates the delay after the failed attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements capped exponential backoff.
// Jitter must stay off when delays name TTL wait queues, since every
// distinct delay declares its own queue.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
	// Retryable overrides the default error classification
	Retryable func(error) bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        maxAttempts,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt+1 >= e.Attempts {
		return false, 0
	}

	retryable := isRetryableError
	if e.Retryable != nil {
		retryable = e.Retryable
	}
	if !retryable(err) {
		return false, 0
	}

	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay implements RetryPolicy: InitialInterval * Multiplier^attempt,
// capped at MaxInterval.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// Retry executes fn until it succeeds, the policy gives up or ctx ends
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			if attempt+1 >= policy.MaxAttempts() {
				return &RetryError{
					Attempts:    attempt + 1,
					MaxAttempts: policy.MaxAttempts(),
					LastError:   err,
					Duration:    time.Since(start),
				}
			}
			return err
		}

		if sleepErr := SleepWithContext(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%w: %w", sleepErr, err)
		}
	}
}

// SleepWithContext waits for d or until ctx is done
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	switch {
	case contracts.IsPermanent(err),
		contracts.IsCancellation(err),
		errors.Is(err, contracts.ErrMalformedPayload),
		errors.Is(err, contracts.ErrSerialization):
		return false
	}

	return true
}
