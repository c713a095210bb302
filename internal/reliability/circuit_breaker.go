package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after the breaker changed state.
type StateChangeFunc func(name string, from, to State, reason string)

// CircuitBreaker stops calling a failing dependency for a cool-down period.
//
// Closed counts consecutive failures and opens at the threshold. Open
// rejects calls until the cool-down elapsed, then lets a limited number of
// probes through in half-open. Enough successful probes close it again; any
// failed probe reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	openedAt    time.Time
	lastFailure time.Time
	counters    CircuitBreakerMetrics

	name             string
	failureThreshold int
	successThreshold int
	coolDown         time.Duration
	maxProbes        int
	onStateChange    []StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successful probes that close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.coolDown = timeout
	}
}

// WithHalfOpenRequests sets the concurrent probes allowed in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxProbes = requests
	}
}

// WithName names the breaker in errors and metrics
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// OnStateChange registers a state change callback. Callbacks run
// synchronously outside the breaker's lock.
func OnStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = append(cb.onStateChange, fn)
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		coolDown:         30 * time.Second,
		maxProbes:        1,
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	cb.counters.Name = cb.name
	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current state, moving open to half-open when the
// cool-down elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.coolDownElapsed() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears the counters of the current window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.successes, cb.probes = 0, 0, 0
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed, "reset")
	}
}

// Metrics returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	m := cb.counters
	m.State = cb.state
	m.ConsecutiveFailures = cb.failures
	m.LastFailureTime = cb.lastFailure
	return m
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	cb.counters.TotalRequests++

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return nil

	case StateOpen:
		if !cb.coolDownElapsed() {
			err := cb.rejection()
			cb.counters.Rejected++
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.successes, cb.probes = 0, 1
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen, "cool-down elapsed")
		return nil

	case StateHalfOpen:
		if cb.probes >= cb.maxProbes {
			err := cb.rejection()
			cb.counters.Rejected++
			cb.mu.Unlock()
			return err
		}
		cb.probes++
		cb.mu.Unlock()
		return nil

	default:
		cb.mu.Unlock()
		return ErrUnknownState
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	var reason string

	if err != nil {
		cb.counters.TotalFailures++
		cb.failures++
		cb.lastFailure = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.trip()
				reason = fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold)
			}
		case StateHalfOpen:
			cb.trip()
			reason = "probe failed"
		}
	} else {
		cb.counters.TotalSuccesses++

		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.probes > 0 {
				cb.probes--
			}
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures, cb.successes, cb.probes = 0, 0, 0
				reason = "probes succeeded"
			}
		}
	}

	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to, reason)
	}
}

// trip must be called with the lock held
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.successes, cb.probes = 0, 0
	cb.counters.Trips++
}

func (cb *CircuitBreaker) coolDownElapsed() bool {
	return !cb.now().Before(cb.openedAt.Add(cb.coolDown))
}

func (cb *CircuitBreaker) rejection() error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		NextRetry:        cb.openedAt.Add(cb.coolDown),
	}
}

func (cb *CircuitBreaker) notify(from, to State, reason string) {
	for _, fn := range cb.onStateChange {
		fn(cb.name, from, to, reason)
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name                string
	State               State
	TotalRequests       int64
	TotalFailures       int64
	TotalSuccesses      int64
	Rejected            int64
	Trips               int64
	ConsecutiveFailures int
	LastFailureTime     time.Time
}
