package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen        = errors.New("circuit breaker: circuit is open")
	ErrUnknownState       = errors.New("circuit breaker: unknown state")
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker %s open: call rejected (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, time.Until(e.NextRetry).Round(time.Millisecond))
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s: call rejected in state %v", e.Name, e.State)
	}
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError reports that every attempt failed
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// PermanentError marks an error that must not be retried
type PermanentError struct {
	Err error
}

// Permanent wraps err so that Retry gives up immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another attempt. Permanent
// errors, open circuits and context errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	type retryable interface{ IsRetryable() bool }
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
