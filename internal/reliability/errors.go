package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxRetriesExceeded is matched by every RetryError
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// RetryError is returned when a retry policy runs out of attempts
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// DLQError represents a failure to route a message to the dead-letter queue
type DLQError struct {
	Queue     string
	MessageID string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *DLQError) Error() string {
	return fmt.Sprintf("dlq error: %s failed for message %s in queue %s: %v",
		e.Op, e.MessageID, e.Queue, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}
