package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelPoolClosed     = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted  = errors.New("rabbitmq: channel pool exhausted")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrPublishReturned     = errors.New("rabbitmq: message returned unroutable")

	// Consumer errors
	ErrConsumerClosed  = errors.New("rabbitmq: consumer is closed")
	ErrAlreadyConsumed = errors.New("rabbitmq: queue already has a consumer")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another dial may succeed
func (e *ConnectionError) IsRetryable() bool {
	return !errors.Is(e.Err, ErrMaxRetriesExceeded) && !errors.Is(e.Err, ErrInvalidConfiguration)
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsRetryable reports false once the pool is gone
func (e *ChannelError) IsRetryable() bool {
	return !errors.Is(e.Err, ErrChannelPoolClosed)
}

// PublishError represents a publish operation error
type PublishError struct {
	Queue     string
	MessageID string
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %s to %q: %v", e.MessageID, e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether publishing the same message again makes sense.
// A message the broker could not route will not route on the next attempt.
func (e *PublishError) IsRetryable() bool {
	if errors.Is(e.Err, ErrPublishReturned) {
		return false
	}
	var chanErr *ChannelError
	if errors.As(e.Err, &chanErr) {
		return chanErr.IsRetryable()
	}
	return true
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// SanitizeURL drops the password from a broker URL so it can be logged
func SanitizeURL(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "***"
	}
	vhost := "/"
	if uri.Vhost != "/" {
		vhost += uri.Vhost
	}
	return fmt.Sprintf("%s://%s@%s:%d%s", uri.Scheme, uri.Username, uri.Host, uri.Port, vhost)
}
