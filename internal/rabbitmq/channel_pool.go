package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time

	// set once the channel is in confirm mode
	returns chan amqp.Return
}

// ID identifies the channel in logs and errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPool hands out channels on the managed connection. Channels are
// opened on demand up to the pool size and reused after Put.
type ChannelPool struct {
	manager        *ConnectionManager
	idle           chan *PooledChannel
	released       chan struct{}
	maxSize        int
	acquireTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	open   int
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum number of open channels
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithAcquireTimeout bounds how long Get waits for a free channel
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:        manager,
		maxSize:        16,
		acquireTimeout: 5 * time.Second,
		logger:         slog.Default(),
		released:       make(chan struct{}, 1),
	}
	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}
	if pool.acquireTimeout <= 0 {
		return nil, fmt.Errorf("%w: acquire timeout must be positive", ErrInvalidConfiguration)
	}
	pool.idle = make(chan *PooledChannel, pool.maxSize)

	return pool, nil
}

// Get returns an idle channel, opens a new one or waits for one to be
// released.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	timer := time.NewTimer(cp.acquireTimeout)
	defer timer.Stop()

	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, cp.channelError("get channel", "pool", ErrChannelPoolClosed)
		}
		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.open--
				cp.mu.Unlock()
				continue
			}
			cp.mu.Unlock()
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}
		if cp.open < cp.maxSize {
			cp.open++
			cp.mu.Unlock()
			ch, err := cp.create()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}
		cp.mu.Unlock()

		select {
		case <-cp.released:
		case <-ctx.Done():
			return nil, cp.channelError("get channel", "pool", ctx.Err())
		case <-timer.C:
			return nil, cp.channelError("get channel", "pool", ErrChannelPoolExhausted)
		}
	}
}

// Put returns a channel to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed || ch.IsClosed() {
		cp.mu.Unlock()
		cp.Discard(ch)
		return
	}
	ch.lastUsed = time.Now()
	select {
	case cp.idle <- ch:
		cp.mu.Unlock()
		cp.signal()
	default:
		cp.mu.Unlock()
		cp.Discard(ch)
	}
}

// Discard closes a channel whose state can no longer be trusted
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			cp.logger.Debug("closing channel", "channelId", ch.id, "error", err)
		}
	}
	cp.release()
}

// Execute runs fn on a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cp.Discard(ch)
			err = fmt.Errorf("panic in channel execution: %v", r)
			return
		}
		cp.Put(ch)
	}()
	return fn(ch)
}

// Size returns the number of open channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Close closes idle channels. Channels still out are closed on Put.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	var idle []*PooledChannel
	for len(cp.idle) > 0 {
		idle = append(idle, <-cp.idle)
	}
	cp.mu.Unlock()

	for _, ch := range idle {
		cp.Discard(ch)
	}
	cp.signal()
	return nil
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	conn, err := cp.manager.Connection()
	if err != nil {
		return nil, cp.channelError("create channel", "new", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, cp.channelError("create channel", "new", fmt.Errorf("%w: %v", ErrChannelCreationFailed, err))
	}
	return &PooledChannel{Channel: ch, id: uuid.NewString(), lastUsed: time.Now()}, nil
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	if cp.open > 0 {
		cp.open--
	}
	cp.mu.Unlock()
	cp.signal()
}

func (cp *ChannelPool) signal() {
	select {
	case cp.released <- struct{}{}:
	default:
	}
}

func (cp *ChannelPool) channelError(op, id string, err error) error {
	return &ChannelError{Op: op, ChannelID: id, Err: err, Timestamp: time.Now()}
}
