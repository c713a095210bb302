// Package messaging defines how exchanges travel between endpoints.
//
// It provides:
//   - Transport: the hand-off contract used by the exchange bridge
//   - Processor: a provider endpoint working on an exchange
//   - Channel: an in-memory transport with an endpoint registry and a fixed
//     worker pool
//   - StaticResolver, ContractResolver and ChainResolver: logical target to
//     address mapping
//   - MetricsCollector: exchange counters
//
// Example usage:
//
//	ch := messaging.NewChannel(messaging.WithWorkers(8))
//	defer ch.Close()
//
//	_ = ch.Register("orders.validate", messaging.ProcessorFunc(
//		func(ctx context.Context, ex *contracts.Exchange) error {
//			return ex.SetOut(contracts.NewMessage("application/json", []byte(`{"valid":true}`)))
//		}))
//
// A transport calls its completion handler once per exchange after the
// processor returned and Settle normalized the exchange status.
package messaging
