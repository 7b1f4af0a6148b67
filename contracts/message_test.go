package contracts

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBaseMessage(t *testing.T) {
	t.Run("NewBaseMessage creates valid message", func(t *testing.T) {
		msg := NewBaseMessage("TestMessage")

		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "TestMessage", msg.Type)
		assert.NotZero(t, msg.Timestamp)
		assert.Empty(t, msg.CorrelationID)

		_, err := uuid.Parse(msg.ID)
		assert.NoError(t, err)
	})

	t.Run("SetCorrelationID updates the message", func(t *testing.T) {
		base := NewBaseMessage("TestMessage")
		corrID := uuid.New().String()
		base.SetCorrelationID(corrID)
		assert.Equal(t, corrID, base.GetCorrelationID())
	})
}

func TestBaseEvent(t *testing.T) {
	t.Run("starts at schema version 1", func(t *testing.T) {
		evt := NewBaseEvent("ServerRegistered", "srv-1")

		assert.Equal(t, "ServerRegistered", evt.GetType())
		assert.Equal(t, "srv-1", evt.GetAggregateID())
		assert.Equal(t, 1, evt.GetSchemaVersion())
	})

	t.Run("zero schema version reads as 1", func(t *testing.T) {
		evt := BaseEvent{BaseMessage: NewBaseMessage("Legacy")}
		assert.Equal(t, 1, evt.GetSchemaVersion())
	})
}

func TestKindOf(t *testing.T) {
	evt := NewBaseEvent("E", "")
	cmd := NewBaseCommand("C")
	msg := NewBaseMessage("M")

	assert.Equal(t, KindEvent, KindOf(&evt))
	assert.Equal(t, KindCommand, KindOf(&cmd))
	assert.Equal(t, KindMessage, KindOf(&msg))
}
