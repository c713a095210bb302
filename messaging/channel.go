package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bridge/contracts"
	"golang.org/x/sync/errgroup"
)

// Channel is an in-memory Transport. Exchanges are queued and processed by a
// fixed pool of workers; each exchange is completed exactly once. Processors
// that wait on other exchanges should implement AsyncProcessor so a
// suspended exchange does not occupy a worker.
type Channel struct {
	endpoints sync.Map // address -> Processor
	jobs      chan delivery

	mu         sync.RWMutex
	completion CompletionHandler

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
	inFlight  atomic.Int64

	workers        int
	processTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
}

type delivery struct {
	ex       *contracts.Exchange
	enqueued time.Time
}

// ChannelOption configures the channel
type ChannelOption func(*channelConfig)

type channelConfig struct {
	workers        int
	queueSize      int
	processTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
}

// WithWorkers sets the number of workers
func WithWorkers(n int) ChannelOption {
	return func(c *channelConfig) {
		c.workers = n
	}
}

// WithQueueSize sets the capacity of the delivery queue
func WithQueueSize(n int) ChannelOption {
	return func(c *channelConfig) {
		c.queueSize = n
	}
}

// WithProcessTimeout bounds the context handed to processors
func WithProcessTimeout(d time.Duration) ChannelOption {
	return func(c *channelConfig) {
		c.processTimeout = d
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *channelConfig) {
		c.logger = logger
	}
}

// WithChannelMetrics sets the metrics collector
func WithChannelMetrics(m MetricsCollector) ChannelOption {
	return func(c *channelConfig) {
		c.metrics = m
	}
}

// NewChannel creates a channel and starts its workers.
func NewChannel(options ...ChannelOption) *Channel {
	cfg := &channelConfig{
		workers:   4,
		queueSize: 1024,
		logger:    slog.Default(),
		metrics:   NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}
	if cfg.queueSize < 0 {
		cfg.queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		jobs:           make(chan delivery, cfg.queueSize),
		ctx:            ctx,
		cancel:         cancel,
		group:          &errgroup.Group{},
		workers:        cfg.workers,
		processTimeout: cfg.processTimeout,
		logger:         cfg.logger,
		metrics:        cfg.metrics,
	}

	for i := 0; i < c.workers; i++ {
		c.group.Go(c.work)
	}
	return c
}

// Register binds a processor to an address.
func (c *Channel) Register(address string, p Processor) error {
	if address == "" {
		return ErrInvalidAddress
	}
	if p == nil {
		return ErrNilProcessor
	}
	if _, loaded := c.endpoints.LoadOrStore(address, p); loaded {
		return fmt.Errorf("%w: %s", ErrEndpointExists, address)
	}
	c.logger.Debug("endpoint registered", "address", address)
	return nil
}

// Unregister removes the processor bound to an address.
func (c *Channel) Unregister(address string) {
	c.endpoints.Delete(address)
}

// Addresses returns the registered addresses.
func (c *Channel) Addresses() []string {
	var out []string
	c.endpoints.Range(func(key, _ interface{}) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}

// Resolve implements TargetResolver over the registered addresses. The
// endpoint name is tried first, then the service name, then
// "service:endpoint".
func (c *Channel) Resolve(_ context.Context, target contracts.Target) (string, error) {
	candidates := []string{target.Endpoint, target.Service}
	if target.Service != "" && target.Endpoint != "" {
		candidates = append(candidates, target.Service+":"+target.Endpoint)
	}
	for _, addr := range candidates {
		if addr == "" {
			continue
		}
		if _, ok := c.endpoints.Load(addr); ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("%w: %s", contracts.ErrTargetNotFound, target)
}

// SetCompletionHandler implements Transport.
func (c *Channel) SetCompletionHandler(h CompletionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completion = h
}

// Send implements Transport. It returns once the exchange is queued.
func (c *Channel) Send(ctx context.Context, ex *contracts.Exchange) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	address := ex.Address()
	if _, ok := c.endpoints.Load(address); !ok {
		return fmt.Errorf("%w: %q", contracts.ErrNoEndpoint, address)
	}

	c.inFlight.Add(1)
	select {
	case c.jobs <- delivery{ex: ex, enqueued: time.Now()}:
		return nil
	case <-ctx.Done():
		c.inFlight.Add(-1)
		return ctx.Err()
	case <-c.ctx.Done():
		c.inFlight.Add(-1)
		return ErrChannelClosed
	}
}

// NotifyDone implements Transport. The processor bound to the exchange's
// address is told if it implements DoneListener.
func (c *Channel) NotifyDone(ctx context.Context, ex *contracts.Exchange) error {
	v, ok := c.endpoints.Load(ex.Address())
	if !ok {
		return nil
	}
	if l, ok := v.(DoneListener); ok {
		l.ExchangeDone(ctx, ex)
	}
	return nil
}

// InFlight returns the number of queued, running or suspended exchanges.
func (c *Channel) InFlight() int64 {
	return c.inFlight.Load()
}

// Close stops the workers. Exchanges still queued fail with ErrChannelClosed
// and are completed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		_ = c.group.Wait()

		for {
			select {
			case d := <-c.jobs:
				_ = d.ex.Fail(ErrChannelClosed)
				c.finish(context.Background(), d)
			default:
				c.logger.Debug("channel closed")
				return
			}
		}
	})
	return nil
}

func (c *Channel) work() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case d := <-c.jobs:
			c.dispatch(d)
		}
	}
}

// dispatch runs the processor bound to the exchange's address. An
// AsyncProcessor releases the worker as soon as ProcessAsync returns; the
// exchange is settled and completed when it calls done.
func (c *Channel) dispatch(d delivery) {
	ctx, cancel := c.processContext()
	ex := d.ex

	v, ok := c.endpoints.Load(ex.Address())
	if !ok {
		defer cancel()
		Settle(ex, fmt.Errorf("%w: %q", contracts.ErrNoEndpoint, ex.Address()))
		c.finish(ctx, d)
		return
	}

	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			defer cancel()
			c.settle(ctx, d, err)
		})
	}

	if ap, ok := v.(AsyncProcessor); ok {
		if err := SafeProcessAsync(ctx, ap, ex, done); err != nil {
			done(err)
		}
		return
	}
	done(SafeProcess(ctx, v.(Processor), ex))
}

func (c *Channel) processContext() (context.Context, context.CancelFunc) {
	if c.processTimeout > 0 {
		return context.WithTimeout(c.ctx, c.processTimeout)
	}
	return c.ctx, func() {}
}

func (c *Channel) settle(ctx context.Context, d delivery, err error) {
	if err != nil {
		c.logger.Error("processor failed",
			"exchangeId", d.ex.ID(),
			"address", d.ex.Address(),
			"error", err)
		c.metrics.RecordError("channel", fmt.Sprintf("%T", err))
	}
	Settle(d.ex, err)
	c.finish(ctx, d)
}

func (c *Channel) finish(ctx context.Context, d delivery) {
	defer c.inFlight.Add(-1)

	c.metrics.RecordExchange(d.ex.Address(), d.ex.Pattern(), d.ex.Status(), time.Since(d.enqueued))

	c.mu.RLock()
	h := c.completion
	c.mu.RUnlock()
	if h == nil {
		c.logger.Debug("no completion handler, dropping completion", "exchangeId", d.ex.ID())
		return
	}
	h.Complete(ctx, d.ex)
}
