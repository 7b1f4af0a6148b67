package contracts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelled(t *testing.T) {
	err := Cancelled(context.Canceled)

	assert.ErrorIs(t, err, ErrCancellationRequested)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrBrokerUnavailable)
	assert.True(t, IsCancellation(err))
	assert.True(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(ErrBrokerUnavailable))
}

func TestHandlerError(t *testing.T) {
	cause := errors.New("db down")
	err := &HandlerError{MessageType: "ScanServer", MessageID: "m1", Err: cause}

	assert.ErrorIs(t, err, ErrHandlerFailure)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ScanServer")
}

func TestPermanent(t *testing.T) {
	cause := errors.New("bad input")

	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(cause)))
	assert.True(t, IsPermanent(&HandlerError{Err: Permanent(cause)}))
	assert.False(t, IsPermanent(cause))
	assert.ErrorIs(t, Permanent(cause), cause)
}
