package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/serialization"
)

// MessageHandler processes a specific message type
type MessageHandler interface {
	Handle(ctx context.Context, msg contracts.Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg contracts.Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg contracts.Message) error {
	return f(ctx, msg)
}

// MiddlewareFunc processes messages before they reach handlers
type MiddlewareFunc func(ctx context.Context, msg contracts.Message, next MessageHandler) error

// HandlerRegistration represents a registered handler
type HandlerRegistration struct {
	MessageType string
	Handler     MessageHandler
	decode      func(s serialization.Serializer, payload []byte) (contracts.Message, error)
}

// MessageDispatcher maps message types to handlers. Each type has at most
// one handler, so a delivery is acknowledged exactly once.
type MessageDispatcher struct {
	handlers   map[string]HandlerRegistration
	mu         sync.RWMutex
	logger     *slog.Logger
	middleware []MiddlewareFunc
}

// DispatcherOption configures the MessageDispatcher
type DispatcherOption func(*MessageDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.logger = logger
	}
}

// WithMiddleware adds middleware to the dispatcher
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewMessageDispatcher creates a new message dispatcher
func NewMessageDispatcher(options ...DispatcherOption) *MessageDispatcher {
	d := &MessageDispatcher{
		handlers: make(map[string]HandlerRegistration),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// RegisterHandler registers handler for messageType. Payloads are decoded
// into new values of prototype's type.
func (d *MessageDispatcher) RegisterHandler(messageType string, prototype contracts.Message, handler MessageHandler) error {
	if prototype == nil {
		return fmt.Errorf("prototype cannot be nil")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	msgType := reflect.TypeOf(prototype)
	if msgType.Kind() == reflect.Ptr {
		msgType = msgType.Elem()
	}
	if messageType == "" {
		messageType = msgType.Name()
	}
	if messageType == "" {
		return fmt.Errorf("message type must have a name")
	}

	return d.register(HandlerRegistration{
		MessageType: messageType,
		Handler:     handler,
		decode: func(s serialization.Serializer, payload []byte) (contracts.Message, error) {
			v, err := s.DeserializeType(payload, msgType)
			if err != nil {
				return nil, err
			}
			msg, ok := v.(contracts.Message)
			if !ok {
				return nil, fmt.Errorf("%w: %s does not implement contracts.Message", contracts.ErrMalformedPayload, msgType)
			}
			return msg, nil
		},
	})
}

// RegisterHandlerFunc registers a function as a handler
func (d *MessageDispatcher) RegisterHandlerFunc(messageType string, prototype contracts.Message, handler MessageHandlerFunc) error {
	return d.RegisterHandler(messageType, prototype, handler)
}

func (d *MessageDispatcher) register(reg HandlerRegistration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[reg.MessageType]; exists {
		return fmt.Errorf("handler already registered for message type: %s", reg.MessageType)
	}
	d.handlers[reg.MessageType] = reg

	d.logger.Info("registered message handler", "messageType", reg.MessageType)
	return nil
}

// UnregisterHandler removes the handler for a message type
func (d *MessageDispatcher) UnregisterHandler(messageType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[messageType]; !exists {
		return fmt.Errorf("%w: %s", ErrNoHandler, messageType)
	}
	delete(d.handlers, messageType)

	d.logger.Info("unregistered message handler", "messageType", messageType)
	return nil
}

// Decode turns an envelope into its typed message and returns the handler
// for it. Unknown types yield ErrNoHandler.
func (d *MessageDispatcher) Decode(s serialization.Serializer, env contracts.Envelope) (contracts.Message, MessageHandler, error) {
	d.mu.RLock()
	reg, exists := d.handlers[env.Type]
	d.mu.RUnlock()

	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoHandler, env.Type)
	}

	msg, err := reg.decode(s, env.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s: %w", contracts.ErrMalformedPayload, env.Type, err)
	}
	return msg, d.buildMiddlewareChain(reg.Handler), nil
}

// Handle implements the MessageHandler interface by dispatching to registered handlers
func (d *MessageDispatcher) Handle(ctx context.Context, msg contracts.Message) error {
	return d.Dispatch(ctx, msg)
}

// Dispatch runs the handler registered for msg's type through the middleware chain
func (d *MessageDispatcher) Dispatch(ctx context.Context, msg contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	d.mu.RLock()
	reg, exists := d.handlers[msg.GetType()]
	d.mu.RUnlock()

	if !exists {
		d.logger.Warn("no handler registered for message type", "messageType", msg.GetType())
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.GetType())
	}

	return d.buildMiddlewareChain(reg.Handler).Handle(ctx, msg)
}

// HasHandler reports whether messageType has a handler
func (d *MessageDispatcher) HasHandler(messageType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[messageType]
	return ok
}

// GetRegisteredTypes returns all message types that have handlers, sorted
func (d *MessageDispatcher) GetRegisteredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for typeName := range d.handlers {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}

// buildMiddlewareChain builds the middleware execution chain
func (d *MessageDispatcher) buildMiddlewareChain(handler MessageHandler) MessageHandler {
	if len(d.middleware) == 0 {
		return handler
	}

	// Build chain in reverse order
	result := handler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		middleware := d.middleware[i]
		next := result
		result = MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
			return middleware(ctx, msg, next)
		})
	}

	return result
}
