package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bridge/contracts"
	"github.com/glimte/mmate-bridge/internal/journal"
	"github.com/glimte/mmate-bridge/internal/reliability"
	"github.com/glimte/mmate-bridge/messaging"
)

const component = "bridge"

// PropertyAsync marks exchanges sent without a waiting caller.
const PropertyAsync = "mmate.bridge.async"

// DefaultTimeout applies to synchronous sends that do not set their own.
const DefaultTimeout = 10 * time.Second

var (
	ErrBridgeClosed         = errors.New("bridge: closed")
	ErrTooManyPending       = errors.New("bridge: too many pending exchanges")
	ErrDuplicateCorrelation = errors.New("bridge: exchange already pending")
	ErrNilExchange          = errors.New("bridge: exchange cannot be nil")
	ErrNilContinuation      = errors.New("bridge: continuation cannot be nil")
	ErrNoAddress            = errors.New("bridge: exchange has no address")
)

// Continuation resumes a suspended caller. It runs exactly once per
// submitted exchange, with either the outcome or the reason the wait ended.
type Continuation func(Outcome, error)

// Mode selects how Send waits.
type Mode struct {
	async   bool
	timeout time.Duration
}

// Async sends without waiting for the outcome.
func Async() Mode { return Mode{async: true} }

// Sync waits up to timeout for the outcome. Zero means the bridge default.
func Sync(timeout time.Duration) Mode { return Mode{timeout: timeout} }

// IsAsync reports whether the mode is fire-and-forget.
func (m Mode) IsAsync() bool { return m.async }

// Timeout returns the synchronous wait limit.
func (m Mode) Timeout() time.Duration { return m.timeout }

func (m Mode) String() string {
	if m.async {
		return "async"
	}
	return fmt.Sprintf("sync(%s)", m.timeout)
}

// BridgeOption configures the bridge
type BridgeOption func(*bridgeConfig)

type bridgeConfig struct {
	defaultTimeout time.Duration
	maxPending     int
	breaker        *reliability.CircuitBreaker
	retryPolicy    reliability.RetryPolicy
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
	journal        journal.Journal
}

// WithDefaultTimeout sets the wait limit for synchronous sends
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(c *bridgeConfig) {
		c.defaultTimeout = timeout
	}
}

// WithMaxPending bounds the number of suspended sends. Zero disables the bound.
func WithMaxPending(max int) BridgeOption {
	return func(c *bridgeConfig) {
		c.maxPending = max
	}
}

// WithCircuitBreaker guards hand-offs to the transport
func WithCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *bridgeConfig) {
		c.breaker = cb
	}
}

// WithRetryPolicy retries failed hand-offs
func WithRetryPolicy(policy reliability.RetryPolicy) BridgeOption {
	return func(c *bridgeConfig) {
		c.retryPolicy = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *bridgeConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) BridgeOption {
	return func(c *bridgeConfig) {
		c.metrics = m
	}
}

// WithJournal records exchange events
func WithJournal(j journal.Journal) BridgeOption {
	return func(c *bridgeConfig) {
		c.journal = j
	}
}

// Bridge lets a caller send an exchange over an asynchronous transport and
// either forget it or wait for its outcome.
//
// A synchronous send parks a continuation in the correlation table. The
// transport's completion, the expiry timer, context cancellation and Close
// race to claim it; the winner resumes the caller and everyone else does
// nothing. Completions without an entry are late: their outcome is
// discarded, but an exchange still awaiting acknowledgement is acknowledged.
type Bridge struct {
	transport      messaging.Transport
	table          *CorrelationTable
	breaker        *reliability.CircuitBreaker
	retryPolicy    reliability.RetryPolicy
	defaultTimeout time.Duration
	maxPending     int
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
	journal        journal.Journal
	closed         atomic.Bool
}

// NewBridge creates a bridge and installs it as the transport's completion
// handler.
func NewBridge(transport messaging.Transport, opts ...BridgeOption) (*Bridge, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	config := &bridgeConfig{
		defaultTimeout: DefaultTimeout,
		maxPending:     10000,
		logger:         slog.Default(),
		metrics:        messaging.NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.defaultTimeout <= 0 {
		return nil, &contracts.ConfigError{Component: component, Field: "defaultTimeout", Err: fmt.Errorf("must be positive, got %s", config.defaultTimeout)}
	}

	b := &Bridge{
		transport:      transport,
		table:          NewCorrelationTable(),
		breaker:        config.breaker,
		retryPolicy:    config.retryPolicy,
		defaultTimeout: config.defaultTimeout,
		maxPending:     config.maxPending,
		logger:         config.logger.With("component", component),
		metrics:        config.metrics,
		journal:        config.journal,
	}
	transport.SetCompletionHandler(b)
	return b, nil
}

// Send dispatches ex according to mode. Async sends return a zero Outcome.
func (b *Bridge) Send(ctx context.Context, ex *contracts.Exchange, mode Mode) (Outcome, error) {
	if mode.IsAsync() {
		return Outcome{}, b.SendAsync(ctx, ex)
	}
	return b.SendSync(ctx, ex, mode.Timeout())
}

// SendAsync hands ex to the transport without registering a waiter. When
// the exchange later completes still active, the bridge acknowledges it.
func (b *Bridge) SendAsync(ctx context.Context, ex *contracts.Exchange) error {
	if err := b.checkSendable(ex); err != nil {
		return err
	}
	ex.SetProperty(PropertyAsync, true)

	if err := b.handOff(ctx, ex); err != nil {
		b.metrics.RecordError(component, "handoff")
		journal.RecordExchange(ctx, b.journal, ex, journal.EventFailed, component, err)
		return fmt.Errorf("hand-off of exchange %s: %w", ex.ID(), err)
	}
	journal.RecordExchange(ctx, b.journal, ex, journal.EventForwarded, component, nil)
	return nil
}

// Submit parks cont and hands ex to the transport. It never blocks waiting
// for the outcome: cont runs later on whichever goroutine wins the claim.
//
// If Submit returns an error, cont has not run and will not run.
func (b *Bridge) Submit(ctx context.Context, ex *contracts.Exchange, timeout time.Duration, cont Continuation) error {
	if cont == nil {
		return ErrNilContinuation
	}
	if err := b.checkSendable(ex); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	now := time.Now()
	p := &Pending{
		ExchangeID: ex.ID(),
		Address:    ex.Address(),
		Timeout:    timeout,
		Deadline:   now.Add(timeout),
		Submitted:  now,
		resume:     cont,
	}
	if err := b.table.Insert(p, b.maxPending); err != nil {
		return err
	}
	p.arm(time.AfterFunc(timeout, func() { b.expire(ex) }))
	journal.RecordExchange(ctx, b.journal, ex, journal.EventSubmitted, component, nil)

	if err := b.handOff(ctx, ex); err != nil {
		if claimed, ok := b.table.Claim(ex.ID()); ok {
			claimed.disarm()
			b.metrics.RecordError(component, "handoff")
			journal.RecordExchange(ctx, b.journal, ex, journal.EventFailed, component, err)
			return fmt.Errorf("hand-off of exchange %s: %w", ex.ID(), err)
		}
		// The entry was claimed while the hand-off was failing; the
		// continuation has already been told.
		b.logger.Warn("hand-off failed after exchange was resumed",
			"exchangeId", ex.ID(),
			"error", err)
		return nil
	}
	journal.RecordExchange(ctx, b.journal, ex, journal.EventForwarded, component, nil)
	return nil
}

type result struct {
	outcome Outcome
	err     error
}

// SendSync sends ex and blocks until it completes, the timeout elapses or
// ctx is done. A timeout yields a *contracts.TimeoutError.
func (b *Bridge) SendSync(ctx context.Context, ex *contracts.Exchange, timeout time.Duration) (Outcome, error) {
	results := make(chan result, 1)
	err := b.Submit(ctx, ex, timeout, func(o Outcome, err error) {
		results <- result{outcome: o, err: err}
	})
	if err != nil {
		return Outcome{}, err
	}

	select {
	case r := <-results:
		return r.outcome, r.err
	case <-ctx.Done():
		// Either the cancellation claims the entry or the winner is
		// delivering; both end up on results.
		b.Cancel(ctx, ex, ctx.Err())
		r := <-results
		return r.outcome, r.err
	}
}

// Cancel ends the wait for a submitted exchange, resuming its continuation
// with cause. It reports false when the wait had already ended.
func (b *Bridge) Cancel(ctx context.Context, ex *contracts.Exchange, cause error) bool {
	p, ok := b.table.Claim(ex.ID())
	if !ok {
		return false
	}
	p.disarm()
	b.logger.Debug("synchronous send cancelled", "exchangeId", ex.ID(), "error", cause)
	journal.RecordExchange(ctx, b.journal, ex, journal.EventCancelled, component, cause)
	p.resume(Outcome{ExchangeID: p.ExchangeID, Pattern: ex.Pattern()}, cause)
	return true
}

// Complete implements messaging.CompletionHandler.
//
// The waiting caller is resumed first with a snapshot of the exchange.
// Only then, if the exchange is still active, it is marked done and the
// provider is told.
func (b *Bridge) Complete(ctx context.Context, ex *contracts.Exchange) {
	p, ok := b.table.Claim(ex.ID())
	if !ok {
		if v, _ := ex.Property(PropertyAsync); v == true {
			b.acknowledge(ctx, ex)
			return
		}
		b.metrics.RecordLateCompletion(ex.Address())
		journal.RecordExchange(ctx, b.journal, ex, journal.EventLateCompletion, component, nil)
		b.logger.Debug("discarding completion with no pending send",
			"exchangeId", ex.ID(),
			"status", ex.Status())
		// nobody is left to acknowledge a reply or fault
		b.acknowledge(ctx, ex)
		return
	}
	p.disarm()

	outcome := Snapshot(ex)
	outcome.Elapsed = time.Since(p.Submitted)
	journal.RecordExchange(ctx, b.journal, ex, journal.EventResumed, component, outcome.Err)
	p.resume(outcome, nil)

	b.acknowledge(ctx, ex)
}

func (b *Bridge) acknowledge(ctx context.Context, ex *contracts.Exchange) {
	if ex.Status() != contracts.StatusActive {
		return
	}
	if err := ex.Done(); err != nil {
		// terminated concurrently
		return
	}
	journal.RecordExchange(ctx, b.journal, ex, journal.EventAcknowledged, component, nil)
	if err := b.transport.NotifyDone(ctx, ex); err != nil {
		b.metrics.RecordError(component, "notify_done")
		b.logger.Warn("failed to acknowledge exchange",
			"exchangeId", ex.ID(),
			"address", ex.Address(),
			"error", err)
	}
}

func (b *Bridge) expire(ex *contracts.Exchange) {
	p, ok := b.table.Claim(ex.ID())
	if !ok {
		return
	}
	b.metrics.RecordTimeout(p.Address)
	journal.RecordExchange(context.Background(), b.journal, ex, journal.EventTimeout, component, nil)
	b.logger.Debug("synchronous send timed out",
		"exchangeId", p.ExchangeID,
		"timeout", p.Timeout)
	p.resume(Outcome{ExchangeID: p.ExchangeID, Pattern: ex.Pattern()},
		&contracts.TimeoutError{ExchangeID: p.ExchangeID, Timeout: p.Timeout})
}

func (b *Bridge) checkSendable(ex *contracts.Exchange) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	if ex == nil {
		return ErrNilExchange
	}
	if ex.Status().Terminal() {
		return &contracts.ExchangeError{ExchangeID: ex.ID(), Op: "send", Status: ex.Status(), Err: contracts.ErrExchangeTerminated}
	}
	if ex.Address() == "" {
		return fmt.Errorf("%w: %s", ErrNoAddress, ex.ID())
	}
	return nil
}

func (b *Bridge) handOff(ctx context.Context, ex *contracts.Exchange) error {
	send := func() error {
		return b.transport.Send(ctx, ex)
	}
	if b.breaker != nil {
		direct := send
		send = func() error {
			return b.breaker.Execute(ctx, direct)
		}
	}
	if b.retryPolicy != nil {
		return reliability.Retry(ctx, b.retryPolicy, send)
	}
	return send()
}

// Pending returns the number of suspended sends.
func (b *Bridge) Pending() int {
	return b.table.Len()
}

// MaxPending returns the limit on suspended sends.
func (b *Bridge) MaxPending() int {
	return b.maxPending
}

// IsPending reports whether a synchronous send for id is suspended.
func (b *Bridge) IsPending(id string) bool {
	return b.table.Contains(id)
}

// Closed reports whether Close was called.
func (b *Bridge) Closed() bool {
	return b.closed.Load()
}

// Close rejects new sends and resumes every suspended caller with
// ErrBridgeClosed. The transport is not closed.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, p := range b.table.ClaimAll() {
		p.disarm()
		p.resume(Outcome{ExchangeID: p.ExchangeID}, ErrBridgeClosed)
	}
	b.logger.Debug("bridge closed")
	return nil
}
