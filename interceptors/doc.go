// Package interceptors provides handler middleware for the relay's
// dispatcher.
//
// An Interceptor wraps every handler invocation the consumer makes. Its
// return value is what the consumer sees, so an interceptor decides the
// delivery's fate the same way a handler does: nil acknowledges, a
// contracts.Permanent error dead-letters, any other error is retried.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each invocation with its duration
//   - FilteringInterceptor: skips or rejects messages a filter does not accept
//   - BreakerInterceptor: stops calling a failing handler for a while, per message type
//
// Example usage:
//
//	client, err := mmate.NewClient(ctx, cfg,
//		mmate.WithInterceptors(
//			interceptors.NewLoggingInterceptor(logger),
//			interceptors.NewBreakerInterceptor(interceptors.BreakerSettings{}),
//		))
//
// Interceptors run in the order given, with the handler called last.
package interceptors
