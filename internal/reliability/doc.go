// Package reliability guards calls to unreliable dependencies.
//
// The exchange bridge wraps every transport hand-off in these primitives:
//   - CircuitBreaker stops calling a failing transport for a cool-down period
//   - RetryPolicy and Retry repeat transient failures with backoff
//
// Example usage:
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithTimeout(30*time.Second),
//	)
//	policy := reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 3)
//
//	err := reliability.Retry(ctx, policy, func() error {
//	    return cb.Execute(ctx, func() error { return transport.Send(ctx, ex) })
//	})
//
// Errors wrapped with Permanent, open circuits and context errors are never
// retried.
package reliability
