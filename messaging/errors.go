package messaging

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDelay is returned for negative publish delays
	ErrInvalidDelay = errors.New("messaging: delay must not be negative")
	// ErrNoHandler means no handler is registered for a message type
	ErrNoHandler = errors.New("messaging: no handler registered")
	// ErrConsumerRunning is returned when a running consumer is started again
	ErrConsumerRunning = errors.New("messaging: consumer already started")
	// ErrNoTopology means a default route was needed but no topology is configured
	ErrNoTopology = errors.New("messaging: no topology configured")
	// ErrDelayUnsupported means neither the delayed message plugin nor wait queues are available
	ErrDelayUnsupported = errors.New("messaging: delayed publishing not available for exchange")
)

// BatchItemError describes one failed message of a batch
type BatchItemError struct {
	Index       int
	MessageID   string
	MessageType string
	Err         error
}

func (e BatchItemError) Error() string {
	return fmt.Sprintf("message %d (%s %s): %v", e.Index, e.MessageType, e.MessageID, e.Err)
}

// BatchError aggregates the failures of a batch publish. Messages not
// listed were confirmed and stay published.
type BatchError struct {
	Total    int
	Failures []BatchItemError
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch publish: %d of %d messages failed", len(e.Failures), e.Total)
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
