// Package bridge lets a caller wait on exchanges sent over an asynchronous
// transport.
//
// The bridge installs itself as the transport's completion handler. A
// synchronous send parks a continuation in a correlation table keyed by
// exchange id and arms an expiry timer; the send returns to the caller as
// soon as the transport accepts the exchange. Whichever of completion,
// expiry, cancellation or shutdown claims the entry first resumes the
// caller. The others find nothing and do nothing.
//
// Completion is two-phase. The caller is resumed with a snapshot of the
// exchange first, then the exchange is marked done and the provider is
// told, unless the exchange already reached a terminal status.
//
// Basic usage:
//
//	b, err := bridge.NewBridge(transport, bridge.WithDefaultTimeout(5*time.Second))
//	if err != nil {
//	    return err
//	}
//	outcome, err := b.SendSync(ctx, ex, 0)
//	if err != nil {
//	    return err
//	}
//	switch outcome.Kind() {
//	case bridge.OutcomeFault:
//	    // outcome.Fault is a copy owned by the caller
//	}
//
// Hand-offs to the transport can be guarded by a circuit breaker and a retry
// policy.
package bridge
