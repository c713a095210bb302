package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is repeated
type RetryPolicy interface {
	// ShouldRetry is called after attempt (zero based) failed with err
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the number of retries after the first attempt
	MaxRetries() int
}

// ExponentialBackoff doubles (or multiplies) the delay after every attempt
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential policy with jitter enabled
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay returns the delay before retry number attempt+1
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		// spread +/-15%
		delay = delay * (0.85 + rand.Float64()*0.3)
	}
	return time.Duration(delay)
}

// LinearBackoff grows the delay by Interval after every attempt
type LinearBackoff struct {
	Interval    time.Duration
	MaxInterval time.Duration
	MaxAttempts int
}

// NewLinearBackoff creates a linear policy. Zero max leaves the delay uncapped.
func NewLinearBackoff(interval, max time.Duration, maxRetries int) *LinearBackoff {
	return &LinearBackoff{Interval: interval, MaxInterval: max, MaxAttempts: maxRetries}
}

func (l *LinearBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= l.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, l.NextDelay(attempt)
}

func (l *LinearBackoff) MaxRetries() int {
	return l.MaxAttempts
}

// NextDelay returns Interval times attempt+1, capped at MaxInterval
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	delay := l.Interval * time.Duration(attempt+1)
	if l.MaxInterval > 0 && delay > l.MaxInterval {
		delay = l.MaxInterval
	}
	return delay
}

// FixedDelay waits the same amount between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NoRetry never retries
type NoRetry struct{}

func (NoRetry) ShouldRetry(int, error) (bool, time.Duration) { return false, 0 }
func (NoRetry) MaxRetries() int                              { return 0 }

// Retry calls fn until it succeeds, the policy gives up or ctx is done. When
// at least one retry happened the final error is a *RetryError.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			if attempt == 0 {
				return err
			}
			return &RetryError{Attempts: attempt + 1, LastError: err, Duration: time.Since(start)}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
