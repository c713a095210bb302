package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-bridge/contracts"
)

var (
	ErrChannelClosed   = errors.New("messaging: channel is closed")
	ErrEndpointExists  = errors.New("messaging: endpoint already registered")
	ErrInvalidAddress  = errors.New("messaging: invalid address")
	ErrNilProcessor    = errors.New("messaging: processor cannot be nil")
	ErrNoCompletionSet = errors.New("messaging: no completion handler set")
)

// Transport moves exchanges to their providers and carries the result back.
//
// Send hands an exchange over and returns without waiting for processing.
// When the provider finishes, the transport calls the completion handler
// exactly once for that exchange. NotifyDone carries the consumer's final
// acknowledgement back to the provider.
type Transport interface {
	Send(ctx context.Context, ex *contracts.Exchange) error
	NotifyDone(ctx context.Context, ex *contracts.Exchange) error
	SetCompletionHandler(h CompletionHandler)
}

// CompletionHandler receives exchanges whose downstream processing finished.
type CompletionHandler interface {
	Complete(ctx context.Context, ex *contracts.Exchange)
}

// CompletionHandlerFunc adapts a function to CompletionHandler.
type CompletionHandlerFunc func(ctx context.Context, ex *contracts.Exchange)

// Complete implements CompletionHandler.
func (f CompletionHandlerFunc) Complete(ctx context.Context, ex *contracts.Exchange) {
	f(ctx, ex)
}

// Processor is a provider endpoint. It works on the exchange it is handed
// and reports the outcome on the exchange itself.
type Processor interface {
	Process(ctx context.Context, ex *contracts.Exchange) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ex *contracts.Exchange) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, ex *contracts.Exchange) error {
	return f(ctx, ex)
}

// AsyncProcessor is a Processor that can finish after ProcessAsync returns.
// done must be called exactly once, from any goroutine, with the error
// Process would have returned. Transports that support it do not hold a
// worker while the exchange is suspended.
type AsyncProcessor interface {
	Processor
	ProcessAsync(ctx context.Context, ex *contracts.Exchange, done func(error))
}

// DoneListener is implemented by processors that want the consumer's final
// acknowledgement of a reply or fault.
type DoneListener interface {
	ExchangeDone(ctx context.Context, ex *contracts.Exchange)
}

// TargetResolver maps a logical target to a transport address.
type TargetResolver interface {
	Resolve(ctx context.Context, target contracts.Target) (string, error)
}

// ResolverFunc adapts a function to TargetResolver.
type ResolverFunc func(ctx context.Context, target contracts.Target) (string, error)

// Resolve implements TargetResolver.
func (f ResolverFunc) Resolve(ctx context.Context, target contracts.Target) (string, error) {
	return f(ctx, target)
}

// Settle normalizes an exchange after its processor returned.
//
// A processor error fails the exchange. One-way exchanges and robust one-way
// exchanges without a fault are done. A request/reply exchange without reply
// or fault fails with ErrMissingReply. Exchanges carrying a reply or fault
// stay active until the consumer acknowledges them.
func Settle(ex *contracts.Exchange, err error) {
	if ex.Status().Terminal() {
		return
	}
	if err != nil {
		_ = ex.Fail(err)
		return
	}

	switch ex.Pattern() {
	case contracts.OneWay:
		_ = ex.Done()
	case contracts.RobustOneWay:
		if ex.Fault() == nil {
			_ = ex.Done()
		}
	case contracts.RequestReply:
		if ex.Out() == nil && ex.Fault() == nil {
			_ = ex.Fail(&contracts.ExchangeError{ExchangeID: ex.ID(), Op: "settle", Err: contracts.ErrMissingReply})
		}
	default:
		_ = ex.Fail(fmt.Errorf("%w: %s", contracts.ErrUnknownPattern, ex.Pattern()))
	}
}

// SafeProcess runs a processor and turns a panic into an error.
func SafeProcess(ctx context.Context, p Processor, ex *contracts.Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, ex)
}

// SafeProcessAsync starts an asynchronous processor and turns a panic into an
// error. When it returns an error the caller settles the exchange; done may
// already have been called.
func SafeProcessAsync(ctx context.Context, p AsyncProcessor, ex *contracts.Exchange, done func(error)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	p.ProcessAsync(ctx, ex, done)
	return nil
}
