package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
)

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Middleware adapts interceptors to dispatcher middleware, preserving order
func Middleware(interceptors ...Interceptor) []messaging.MiddlewareFunc {
	middleware := make([]messaging.MiddlewareFunc, 0, len(interceptors))
	for _, interceptor := range interceptors {
		if interceptor == nil {
			continue
		}
		middleware = append(middleware, interceptor.Intercept)
	}
	return middleware
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error {
	start := time.Now()
	log := i.logger.With(
		"messageId", msg.GetID(),
		"messageType", msg.GetType(),
		"correlationId", msg.GetCorrelationID(),
	)

	log.DebugContext(ctx, "processing message")
	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		log.WarnContext(ctx, "message processing failed",
			"duration", duration,
			"permanent", contracts.IsPermanent(err),
			"error", err,
		)
	} else {
		log.DebugContext(ctx, "message processed", "duration", duration)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
