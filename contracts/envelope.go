package contracts

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps messages for transport
type Envelope struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Type          string            `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId"`
	CausationID   string            `json:"causationId,omitempty"`
	InitiatorID   string            `json:"initiatorId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	EventType     string            `json:"eventType,omitempty"`
	SchemaVersion int               `json:"schemaVersion,omitempty"`
	AggregateID   string            `json:"aggregateId,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// EnvelopeOption configures an envelope at construction time
type EnvelopeOption func(*Envelope)

// WithCorrelationID sets the correlation ID explicitly
func WithCorrelationID(correlationID string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = correlationID
	}
}

// WithInitiator records the identity that started the chain
func WithInitiator(initiatorID string) EnvelopeOption {
	return func(e *Envelope) {
		e.InitiatorID = initiatorID
	}
}

// WithMetadata adds a metadata entry. Values are strings so an envelope
// decodes back to exactly what was encoded; callers format numbers and
// times themselves.
func WithMetadata(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// CausedBy links the new envelope to the one that triggered it. The parent's
// correlation ID is carried over unchanged and the parent ID becomes the
// causation ID.
func CausedBy(parent Envelope) EnvelopeOption {
	return func(e *Envelope) {
		if parent.CorrelationID != "" {
			e.CorrelationID = parent.CorrelationID
		}
		e.CausationID = parent.ID
		if e.InitiatorID == "" {
			e.InitiatorID = parent.InitiatorID
		}
	}
}

// NewEnvelope builds the transport envelope for msg around an encoded payload.
// ID and timestamp come from the message when it has them and are generated
// otherwise; a missing correlation ID is replaced with a fresh one.
func NewEnvelope(msg Message, payload []byte, opts ...EnvelopeOption) Envelope {
	env := Envelope{
		ID:        msg.GetID(),
		Kind:      KindOf(msg),
		Type:      msg.GetType(),
		Timestamp: msg.GetTimestamp().UTC(),
		Payload:   json.RawMessage(payload),
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if msg.GetTimestamp().IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	if evt, ok := msg.(Event); ok {
		env.EventType = evt.GetType()
		env.SchemaVersion = evt.GetSchemaVersion()
		env.AggregateID = evt.GetAggregateID()
	}

	for _, opt := range opts {
		opt(&env)
	}
	if env.Metadata != nil {
		env.Metadata = maps.Clone(env.Metadata)
	}

	if env.CorrelationID == "" {
		env.CorrelationID = msg.GetCorrelationID()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.New().String()
	}

	return env
}

// Meta returns a metadata value
func (e Envelope) Meta(key string) (string, bool) {
	v, ok := e.Metadata[key]
	return v, ok
}

// WithMeta returns a copy of the envelope with an extra metadata entry.
// The receiver is left untouched.
func (e Envelope) WithMeta(key, value string) Envelope {
	md := make(map[string]string, len(e.Metadata)+1)
	maps.Copy(md, e.Metadata)
	md[key] = value
	e.Metadata = md
	return e
}

// Validate checks that a decoded envelope carries the fields every delivery needs
func (e Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: envelope has no id", ErrMalformedPayload)
	case e.Type == "":
		return fmt.Errorf("%w: envelope %s has no type", ErrMalformedPayload, e.ID)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: envelope %s has no payload", ErrMalformedPayload, e.ID)
	}
	return nil
}
