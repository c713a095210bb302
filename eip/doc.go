// Package eip provides the routing endpoints built on the bridge.
//
// MessageFilter is a processor that forwards one-way and robust one-way
// exchanges matching a predicate to a fixed target. In synchronous mode it
// waits for the downstream outcome and, depending on its error reporting
// policy, either swallows downstream errors and faults or hands them back to
// the inbound consumer. In asynchronous mode it forwards and completes the
// inbound exchange immediately; asking for error reporting in that mode fails
// every exchange with contracts.ErrUnsupportedPolicy.
//
// MessageFilter also implements messaging.AsyncProcessor. On a
// messaging.Channel a synchronous filter parks the inbound exchange in the
// bridge and returns its worker; the inbound exchange is written and
// completed from the bridge continuation.
//
// Consumer is the entry point for callers that only have a message: it
// builds the exchange, runs a stage pipeline over it and maps the outcome to
// a reply or an error.
//
//	f, err := eip.NewMessageFilter(b, resolver, target,
//		filter.JSONPath("order.priority", "high"),
//		eip.WithReportErrors(true),
//		eip.WithTimeout(5*time.Second))
//	if err != nil {
//		return err
//	}
//	channel.Register("orders.filter", f)
package eip
