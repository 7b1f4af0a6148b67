package messaging

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/serialization"
)

// CommandHandler handles command messages
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd contracts.Command) error
}

// EventHandler handles event messages
type EventHandler interface {
	HandleEvent(ctx context.Context, event contracts.Event) error
}

// CommandHandlerAdapter adapts CommandHandler to MessageHandler
type CommandHandlerAdapter struct {
	handler CommandHandler
}

// NewCommandHandlerAdapter creates a new command handler adapter
func NewCommandHandlerAdapter(handler CommandHandler) *CommandHandlerAdapter {
	return &CommandHandlerAdapter{handler: handler}
}

// Handle implements MessageHandler
func (a *CommandHandlerAdapter) Handle(ctx context.Context, msg contracts.Message) error {
	cmd, ok := msg.(contracts.Command)
	if !ok {
		return contracts.Permanent(fmt.Errorf("expected Command, got %T", msg))
	}
	return a.handler.HandleCommand(ctx, cmd)
}

// EventHandlerAdapter adapts EventHandler to MessageHandler
type EventHandlerAdapter struct {
	handler EventHandler
}

// NewEventHandlerAdapter creates a new event handler adapter
func NewEventHandlerAdapter(handler EventHandler) *EventHandlerAdapter {
	return &EventHandlerAdapter{handler: handler}
}

// Handle implements MessageHandler
func (a *EventHandlerAdapter) Handle(ctx context.Context, msg contracts.Message) error {
	event, ok := msg.(contracts.Event)
	if !ok {
		return contracts.Permanent(fmt.Errorf("expected Event, got %T", msg))
	}
	return a.handler.HandleEvent(ctx, event)
}

// Register registers a typed handler for messageType. Payloads are decoded
// straight into T; pointer types are allocated. An empty messageType falls
// back to T's type name.
func Register[T contracts.Message](d *MessageDispatcher, messageType string, handler func(ctx context.Context, msg T) error) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	if messageType == "" {
		rt := reflect.TypeOf((*T)(nil)).Elem()
		if rt.Kind() == reflect.Ptr {
			rt = rt.Elem()
		}
		messageType = rt.Name()
	}
	if messageType == "" {
		return fmt.Errorf("message type must have a name")
	}

	return d.register(HandlerRegistration{
		MessageType: messageType,
		Handler: MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
			typed, ok := msg.(T)
			if !ok {
				return contracts.Permanent(fmt.Errorf("expected %T, got %T", *new(T), msg))
			}
			return handler(ctx, typed)
		}),
		decode: func(s serialization.Serializer, payload []byte) (contracts.Message, error) {
			return serialization.Decode[T](s, payload)
		},
	})
}
