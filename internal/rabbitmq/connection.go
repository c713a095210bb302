package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bridge/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is the lifecycle state of a managed connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateListener is told about every state change. err is set when the
// change was caused by a failure. Listeners run on the manager's goroutine
// and must not block.
type StateListener func(state ConnectionState, err error)

type dialFunc func(url string) (*amqp.Connection, error)

// ConnectionManager owns one broker connection and re-dials it with
// exponential backoff when the broker drops it.
type ConnectionManager struct {
	url         string
	dial        dialFunc
	dialTimeout time.Duration
	backoff     *reliability.ExponentialBackoff
	maxRetries  int
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connectMu sync.Mutex
	mu        sync.RWMutex
	conn      *amqp.Connection
	state     ConnectionState
	lastErr   error

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay. Later attempts back
// off exponentially up to five minutes.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxRetries limits reconnection attempts. Negative means unlimited,
// zero disables reconnection.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

func withDialer(dial dialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager. Nothing is dialed
// until Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		url:         url,
		dial:        amqp.Dial,
		dialTimeout: 30 * time.Second,
		backoff:     reliability.NewExponentialBackoff(time.Second, 5*time.Minute, 2, 0),
		maxRetries:  -1,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range options {
		opt(cm)
	}
	cm.logger = cm.logger.With("component", "rabbitmq", "url", SanitizeURL(url))

	return cm
}

// Connect dials the broker. It is a no-op when already connected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	switch cm.State() {
	case StateClosed:
		return ErrConnectionClosed
	case StateConnected:
		return nil
	}

	cm.setState(StateConnecting, nil)
	conn, err := cm.dialContext(ctx)
	if err != nil {
		connErr := &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
		cm.setState(StateDisconnected, connErr)
		return connErr
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ")
	return nil
}

// Connection returns the live connection
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	switch {
	case cm.state == StateClosed:
		return nil, ErrConnectionClosed
	case cm.conn == nil:
		return nil, ErrConnectionNotReady
	case cm.conn.IsClosed():
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// State returns the current state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// LastError returns the failure behind the latest state change, if any
func (cm *ConnectionManager) LastError() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastErr
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// AddStateListener registers a listener for state changes
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.cancel()

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.setState(StateClosed, nil)
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	cm.conn = conn
	cm.mu.Unlock()
	cm.setState(StateConnected, nil)

	go cm.watch(conn, closed)
}

// watch waits for the broker to drop conn and starts reconnecting
func (cm *ConnectionManager) watch(conn *amqp.Connection, closed <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case <-cm.ctx.Done():
		return
	case amqpErr = <-closed:
	}
	if cm.ctx.Err() != nil {
		return
	}

	err := ErrConnectionClosed
	if amqpErr != nil {
		err = amqpErr
	}
	cm.logger.Error("connection lost", "error", err)

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	cm.mu.Unlock()
	cm.setState(StateDisconnected, err)

	cm.reconnect()
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			err := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
			cm.logger.Error("giving up reconnecting", "attempts", attempt, "duration", time.Since(start))
			cm.setState(StateDisconnected, err)
			return
		}

		delay := cm.backoff.NextDelay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cm.ctx.Done():
			timer.Stop()
			return
		}

		cm.setState(StateConnecting, nil)
		conn, err := cm.dialContext(cm.ctx)
		if err != nil {
			if cm.ctx.Err() != nil {
				return
			}
			cm.logger.Warn("reconnection failed", "attempt", attempt+1, "error", err)
			cm.setState(StateDisconnected, err)
			continue
		}

		cm.attach(conn)
		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt+1, "duration", time.Since(start))
		return
	}
}

// dialContext runs a blocking dial under ctx and the dial timeout. A dial
// that finishes after the caller gave up is closed.
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

func (cm *ConnectionManager) setState(state ConnectionState, err error) {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return
	}
	cm.state = state
	cm.lastErr = err
	cm.mu.Unlock()

	cm.listenersMu.RLock()
	listeners := append([]StateListener(nil), cm.listeners...)
	cm.listenersMu.RUnlock()
	for _, l := range listeners {
		l(state, err)
	}
}
