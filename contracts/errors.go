package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Exchange state errors
	ErrExchangeTerminated = errors.New("exchange: already terminated")
	ErrIllegalPattern     = errors.New("exchange: operation not allowed for pattern")
	ErrReplyConflict      = errors.New("exchange: out and fault are mutually exclusive")
	ErrUnknownPattern     = errors.New("exchange: unknown pattern")
	ErrMissingID          = errors.New("exchange: missing id")
	ErrMissingMessage     = errors.New("exchange: missing message")
	ErrUnknownFailure     = errors.New("exchange: unknown failure")

	// Processing errors written onto exchanges
	ErrUnsupportedPattern = errors.New("unsupported exchange pattern")
	ErrUnsupportedPolicy  = errors.New("not supported: asynchronous forwarding with error reporting")
	ErrTimeout            = errors.New("exchange timed out")
	ErrMissingReply       = errors.New("request/reply exchange completed without reply or fault")
	ErrDownstreamFault    = errors.New("downstream fault")
	ErrDownstreamError    = errors.New("downstream error")

	// Resolution errors
	ErrNoEndpoint      = errors.New("no endpoint registered for address")
	ErrTargetNotFound  = errors.New("target could not be resolved")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// ExchangeError reports an illegal operation on an exchange.
type ExchangeError struct {
	ExchangeID string
	Op         string
	Status     Status
	Err        error
}

func (e *ExchangeError) Error() string {
	if errors.Is(e.Err, ErrExchangeTerminated) {
		return fmt.Sprintf("exchange %s: %s: %v (status=%s)", e.ExchangeID, e.Op, e.Err, e.Status)
	}
	return fmt.Sprintf("exchange %s: %s: %v", e.ExchangeID, e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// FaultError carries a downstream fault back to a caller that cannot take it
// as a fault message.
type FaultError struct {
	ExchangeID string
	Fault      *Message
}

func (e *FaultError) Error() string {
	if e.Fault != nil && len(e.Fault.Content) > 0 {
		return fmt.Sprintf("%v on exchange %s: %s", ErrDownstreamFault, e.ExchangeID, truncate(e.Fault.Content, 256))
	}
	return fmt.Sprintf("%v on exchange %s", ErrDownstreamFault, e.ExchangeID)
}

func (e *FaultError) Unwrap() error {
	return ErrDownstreamFault
}

// DownstreamError wraps an error reported by the downstream processor.
type DownstreamError struct {
	ExchangeID string
	Err        error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%v on exchange %s: %v", ErrDownstreamError, e.ExchangeID, e.Err)
}

func (e *DownstreamError) Unwrap() []error {
	return []error{ErrDownstreamError, e.Err}
}

// TimeoutError reports that no completion arrived before the deadline.
type TimeoutError struct {
	ExchangeID string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("exchange %s: no completion within %v", e.ExchangeID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ConfigError reports invalid endpoint configuration. It is returned before
// any exchange is admitted.
type ConfigError struct {
	Component string
	Field     string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: invalid %s: %v", e.Component, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: invalid configuration: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// RemoteError is an error rebuilt from its wire form.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
