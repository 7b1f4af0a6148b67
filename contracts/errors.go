package contracts

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSerialization means a message could not be encoded
	ErrSerialization = errors.New("serialization error")
	// ErrMalformedPayload means the bytes received cannot be decoded
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrBrokerUnavailable means the broker did not accept or confirm an operation in time
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrConnectionRefused means no broker connection could be established
	ErrConnectionRefused = errors.New("connection refused")
	// ErrHandlerFailure wraps an error returned by a registered handler
	ErrHandlerFailure = errors.New("handler failure")
	// ErrCancellationRequested means the caller gave up
	ErrCancellationRequested = errors.New("cancellation requested")
)

// Cancelled wraps a context error so it matches both ErrCancellationRequested
// and the original context error.
func Cancelled(err error) error {
	if err == nil {
		err = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancellationRequested, err)
}

// IsCancellation reports whether err was caused by the caller giving up
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancellationRequested) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// HandlerError is returned by the consumer when a handler fails
type HandlerError struct {
	MessageType string
	MessageID   string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s (message %s) failed: %v", e.MessageType, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailure, e.Err}
}

// PermanentError marks a handler error that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the consumer dead-letters the message without retrying it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked permanent
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
