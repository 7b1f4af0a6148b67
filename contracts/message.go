package contracts

import (
	"time"
)

// Message is the base interface for all messages
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Command represents an action to be performed
type Command interface {
	Message
	GetTargetService() string
}

// Event represents something that has happened
type Event interface {
	Message
	GetAggregateID() string
	GetSchemaVersion() int
}

// Kind classifies a message on the wire
type Kind string

const (
	KindMessage Kind = "message"
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// KindOf reports the kind of a message based on the interfaces it implements
func KindOf(msg Message) Kind {
	switch msg.(type) {
	case Event:
		return KindEvent
	case Command:
		return KindCommand
	default:
		return KindMessage
	}
}
