package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverRegistered struct {
	BaseEvent
	Host string `json:"host"`
}

type scanServer struct {
	BaseCommand
	Host string `json:"host"`
}

func TestNewEnvelope(t *testing.T) {
	t.Run("copies identity from the message", func(t *testing.T) {
		evt := &serverRegistered{BaseEvent: NewBaseEvent("ServerRegistered", "srv-1"), Host: "a"}

		env := NewEnvelope(evt, []byte(`{"host":"a"}`))

		assert.Equal(t, evt.ID, env.ID)
		assert.Equal(t, evt.Timestamp, env.Timestamp)
		assert.Equal(t, time.UTC, env.Timestamp.Location())
		assert.Equal(t, KindEvent, env.Kind)
		assert.Equal(t, "ServerRegistered", env.EventType)
		assert.Equal(t, 1, env.SchemaVersion)
		assert.Equal(t, "srv-1", env.AggregateID)
	})

	t.Run("assigns a fresh correlation id when absent", func(t *testing.T) {
		msg := NewBaseMessage("Ping")
		env := NewEnvelope(&msg, []byte(`{}`))

		_, err := uuid.Parse(env.CorrelationID)
		assert.NoError(t, err)
	})

	t.Run("keeps the message correlation id", func(t *testing.T) {
		msg := NewBaseMessage("Ping")
		msg.SetCorrelationID("C1")
		env := NewEnvelope(&msg, []byte(`{}`))

		assert.Equal(t, "C1", env.CorrelationID)
	})

	t.Run("generates id and timestamp for bare messages", func(t *testing.T) {
		msg := &BaseMessage{Type: "Bare"}
		env := NewEnvelope(msg, []byte(`{}`))

		assert.NotEmpty(t, env.ID)
		assert.False(t, env.Timestamp.IsZero())
	})

	t.Run("metadata is copied", func(t *testing.T) {
		msg := NewBaseMessage("Ping")
		env := NewEnvelope(&msg, []byte(`{}`), WithMetadata("tenant", "t1"))

		other := env.WithMeta("tenant", "t2")

		v, _ := env.Meta("tenant")
		assert.Equal(t, "t1", v)
		v, _ = other.Meta("tenant")
		assert.Equal(t, "t2", v)
	})
}

func TestCausedBy(t *testing.T) {
	evt := &serverRegistered{BaseEvent: NewBaseEvent("ServerRegistered", "srv-1")}
	evt.SetCorrelationID("C1")
	parent := NewEnvelope(evt, []byte(`{}`), WithInitiator("user-7"))

	cmd := &scanServer{BaseCommand: NewBaseCommand("ScanServer")}
	child := NewEnvelope(cmd, []byte(`{}`), CausedBy(parent))

	assert.Equal(t, "C1", child.CorrelationID)
	assert.Equal(t, parent.ID, child.CausationID)
	assert.Equal(t, "user-7", child.InitiatorID)
	assert.NotEqual(t, parent.ID, child.ID)

	grandchild := NewEnvelope(&scanServer{BaseCommand: NewBaseCommand("ScanServer")}, []byte(`{}`), CausedBy(child))
	assert.Equal(t, "C1", grandchild.CorrelationID)
	assert.Equal(t, child.ID, grandchild.CausationID)
}

func TestEnvelopeValidate(t *testing.T) {
	msg := NewBaseMessage("Ping")
	valid := NewEnvelope(&msg, []byte(`{}`))
	require.NoError(t, valid.Validate())

	noType := valid
	noType.Type = ""
	assert.ErrorIs(t, noType.Validate(), ErrMalformedPayload)

	noPayload := valid
	noPayload.Payload = nil
	assert.ErrorIs(t, noPayload.Validate(), ErrMalformedPayload)
}

func TestEnvelopeContext(t *testing.T) {
	_, ok := EnvelopeFromContext(context.Background())
	assert.False(t, ok)

	msg := NewBaseMessage("Ping")
	env := NewEnvelope(&msg, []byte(`{}`))
	got, ok := EnvelopeFromContext(ContextWithEnvelope(context.Background(), env))
	require.True(t, ok)
	assert.Equal(t, env.ID, got.ID)
}
