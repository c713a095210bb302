package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-bridge/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. A nil error acks it; an error
// nacks it and requeues unless the error is permanent.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// QueueOptions describes a queue to declare
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Consumer manages queue subscriptions on pooled channels
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	concurrency    int
	handlerTimeout time.Duration
	logger         *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
}

type subscription struct {
	queue  string
	tag    string
	ch     *PooledChannel
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConcurrency sets how many deliveries of one queue are handled at once
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		c.concurrency = n
	}
}

// WithHandlerTimeout bounds a single handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		concurrency:    1,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		subscriptions:  make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.prefetchCount < c.concurrency {
		c.prefetchCount = c.concurrency
	}

	return c
}

// DeclareQueue declares a queue and returns its name. An empty name lets the
// broker pick one.
func (c *Consumer) DeclareQueue(ctx context.Context, name string, opts QueueOptions) (string, error) {
	var declared string
	err := c.pool.Execute(ctx, func(ch *PooledChannel) error {
		q, err := ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, opts.Args)
		if err != nil {
			return &ChannelError{Op: "declare queue " + name, ChannelID: ch.id, Err: err, Timestamp: time.Now()}
		}
		declared = q.Name
		return nil
	})
	return declared, err
}

// Subscribe starts consuming queue. Consumption stops when ctx is done,
// on Unsubscribe or when the channel closes.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.consumerError(queue, "", "subscribe", ErrConsumerClosed)
	}
	if _, ok := c.subscriptions[queue]; ok {
		return c.consumerError(queue, "", "subscribe", ErrAlreadyConsumed)
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return c.consumerError(queue, "", "subscribe", err)
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return c.consumerError(queue, "", "set qos", err)
	}

	tag := "mmate-" + ch.id
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return c.consumerError(queue, tag, "consume", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:  queue,
		tag:    tag,
		ch:     ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.subscriptions[queue] = sub

	go c.run(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"concurrency", c.concurrency)
	return nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.handle(ctx, sub.queue, d, handler)
				}
			}
		}()
	}
	wg.Wait()

	c.mu.Lock()
	if c.subscriptions[sub.queue] == sub {
		delete(c.subscriptions, sub.queue)
	}
	c.mu.Unlock()

	c.pool.Discard(sub.ch)
	close(sub.done)
	c.logger.Info("consumer stopped", "queue", sub.queue)
}

func (c *Consumer) handle(ctx context.Context, queue string, d amqp.Delivery, handler DeliveryHandler) {
	hctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := c.safeHandle(hctx, d, handler)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "queue", queue, "messageId", d.MessageId, "error", ackErr)
		}
		return
	}

	requeue := reliability.IsRetryable(err) && !d.Redelivered
	c.logger.Warn("failed to handle message",
		"queue", queue,
		"messageId", d.MessageId,
		"requeue", requeue,
		"error", err)
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		c.logger.Error("failed to nack message", "queue", queue, "messageId", d.MessageId, "error", nackErr)
	}
}

func (c *Consumer) safeHandle(ctx context.Context, d amqp.Delivery, handler DeliveryHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = reliability.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, d)
}

// Unsubscribe stops consuming from a queue and waits for in-flight handlers
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[queue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	if err := sub.ch.Cancel(sub.tag, false); err != nil {
		c.logger.Debug("cancel consumer", "queue", queue, "error", err)
	}
	sub.cancel()
	<-sub.done
	return nil
}

// Active returns the consumed queues in name order
func (c *Consumer) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subscriptions))
	for q := range c.subscriptions {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

// Close stops every subscription
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, q := range c.Active() {
		if err := c.Unsubscribe(q); err != nil {
			c.logger.Debug("unsubscribe", "queue", q, "error", err)
		}
	}
	return nil
}

func (c *Consumer) consumerError(queue, tag, op string, err error) error {
	return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
}
