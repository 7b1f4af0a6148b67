// Package reliability provides the retry and dead-letter building blocks
// used by publishers, consumers and the connection manager.
//
//   - Retry policies: capped exponential backoff with optional jitter
//   - Dead-letter annotations: headers recording why and after how many
//     attempts a message left its queue, and parsing them back
package reliability
