package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the message without calling the handler
	SkipSilently SkipBehavior = iota
	// SkipWithLog acknowledges the message and logs that it was skipped
	SkipWithLog
	// SkipWithError dead-letters the message
	SkipWithError
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor. A filter error is returned as is and
// so takes the retry path.
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return contracts.Permanent(fmt.Errorf("message filtered: type=%s, id=%s", msg.GetType(), msg.GetID()))
		case SkipWithLog:
			i.logger.InfoContext(ctx, "message skipped by filter",
				"messageId", msg.GetID(), "messageType", msg.GetType())
			return nil
		default:
			return nil
		}
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a filter that accepts a message only when
// every filter does
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// MessageTypeFilter accepts only the listed message types
type MessageTypeFilter struct {
	allowed map[string]struct{}
}

// NewMessageTypeFilter creates a filter for the given message types
func NewMessageTypeFilter(messageTypes ...string) *MessageTypeFilter {
	allowed := make(map[string]struct{}, len(messageTypes))
	for _, t := range messageTypes {
		allowed[t] = struct{}{}
	}
	return &MessageTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(ctx context.Context, msg contracts.Message) (bool, error) {
	_, ok := f.allowed[msg.GetType()]
	return ok, nil
}
