package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to queues through the default exchange and waits for
// the broker to confirm every message.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	mandatory      bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory makes unroutable messages fail with ErrPublishReturned
// instead of being dropped by the broker. On by default.
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		mandatory:      true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to queue and returns once the broker confirmed it
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return p.publishError(queue, msg, err)
	}

	if err := p.publish(ctx, ch, queue, msg); err != nil {
		// the channel may still owe us a confirm or a return
		p.pool.Discard(ch)
		return p.publishError(queue, msg, err)
	}
	p.pool.Put(ch)
	return nil
}

func (p *Publisher) publish(ctx context.Context, ch *PooledChannel, queue string, msg amqp.Publishing) error {
	if ch.returns == nil {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("failed to enable confirms: %w", err)
		}
		ch.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, p.mandatory, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: no confirm within %s", ErrPublishNotConfirmed, p.confirmTimeout)
		}
		return err
	}
	if !acked {
		return fmt.Errorf("%w: nacked by broker", ErrPublishNotConfirmed)
	}

	// the broker sends basic.return before the ack of the same message
	select {
	case ret := <-ch.returns:
		return fmt.Errorf("%w: %d %s", ErrPublishReturned, ret.ReplyCode, ret.ReplyText)
	default:
	}
	return nil
}

func (p *Publisher) publishError(queue string, msg amqp.Publishing, err error) error {
	return &PublishError{
		Queue:     queue,
		MessageID: msg.MessageId,
		Err:       err,
		Timestamp: time.Now(),
	}
}
