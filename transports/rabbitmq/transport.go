package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bridge/contracts"
	"github.com/glimte/mmate-bridge/internal/rabbitmq"
	"github.com/glimte/mmate-bridge/internal/reliability"
	"github.com/glimte/mmate-bridge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	headerKind    = "x-mmate-kind"
	headerPattern = "x-mmate-pattern"
)

// ErrTransportClosed is returned once Close has been called
var ErrTransportClosed = errors.New("transport: closed")

// exchange-local bridge bookkeeping never goes on the wire
var wireProperties = contracts.AllPropertyFilters(
	contracts.SerializablePropertyFilter{},
	contracts.PrefixPropertyFilter{Prefixes: []string{"mmate.bridge."}},
)

type publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Transport implements messaging.Transport over RabbitMQ.
//
// Requests are published as JSON envelopes to the queue named by the
// exchange address, with ReplyTo set to the transport's exclusive reply
// queue. The provider side (Serve) settles the exchange and answers with a
// reply envelope; when the reply still needs the consumer's
// acknowledgement, NotifyDone sends a status envelope back to the
// provider's own reply queue.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	consumer  *rabbitmq.Consumer
	publisher publisher

	inFlightTTL time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu         sync.RWMutex
	handler    messaging.CompletionHandler
	replyQueue string
	endpoints  map[string]messaging.Processor

	inFlight    sync.Map // exchange id -> *pendingRequest
	awaitingAck sync.Map // exchange id -> ackRoute
	served      sync.Map // exchange id -> *servedExchange
}

type pendingRequest struct {
	ex     *contracts.Exchange
	sentAt time.Time
}

type ackRoute struct {
	queue string
	at    time.Time
}

type servedExchange struct {
	ex       *contracts.Exchange
	listener messaging.DoneListener
	at       time.Time
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	InFlightTTL        time.Duration
	Logger             *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithInFlightTTL sets how long unanswered requests and unacknowledged
// replies are remembered. Defaults to five minutes.
func WithInFlightTTL(ttl time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.InFlightTTL = ttl
	}
}

// WithLogger sets the logger for the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and starts listening on a fresh reply
// queue.
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options)

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.Logger)}, cfg.ChannelPoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	t := newTransport(rabbitmq.NewPublisher(pool, pubOpts...), cfg)
	t.manager = manager
	t.pool = pool
	t.consumer = rabbitmq.NewConsumer(pool, consOpts...)

	if err := t.listen(ctx); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to listen for replies: %w", err)
	}
	manager.AddStateListener(t.onConnectionState)
	go t.sweep()

	return t, nil
}

func newConfig(options []TransportOption) *TransportConfig {
	cfg := &TransportConfig{
		InFlightTTL: 5 * time.Minute,
		Logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func newTransport(pub publisher, cfg *TransportConfig) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		publisher:   pub,
		inFlightTTL: cfg.InFlightTTL,
		logger:      cfg.Logger.With("component", "amqp-transport"),
		ctx:         ctx,
		cancel:      cancel,
		endpoints:   make(map[string]messaging.Processor),
	}
}

// SetCompletionHandler implements messaging.Transport
func (t *Transport) SetCompletionHandler(h messaging.CompletionHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// ReplyQueue returns the queue replies and acknowledgements arrive on
func (t *Transport) ReplyQueue() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.replyQueue
}

// Send implements messaging.Transport. It returns once the broker confirmed
// the request.
func (t *Transport) Send(ctx context.Context, ex *contracts.Exchange) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	address := ex.Address()
	if address == "" {
		return fmt.Errorf("%w: exchange %s has no address", messaging.ErrInvalidAddress, ex.ID())
	}

	env := contracts.EncodeExchange(ex, contracts.KindRequest, wireProperties)
	env.ReplyTo = t.ReplyQueue()
	body, err := contracts.MarshalEnvelope(env)
	if err != nil {
		return err
	}

	// the reply may arrive before Publish returns
	if _, loaded := t.inFlight.LoadOrStore(ex.ID(), &pendingRequest{ex: ex, sentAt: time.Now()}); loaded {
		return fmt.Errorf("exchange %s is already in flight", ex.ID())
	}
	if err := t.publisher.Publish(ctx, address, t.publishing(env, body)); err != nil {
		t.inFlight.Delete(ex.ID())
		if errors.Is(err, rabbitmq.ErrPublishReturned) {
			return fmt.Errorf("%w: %s: %w", contracts.ErrNoEndpoint, address, err)
		}
		return err
	}

	t.logger.Debug("request sent", "exchangeId", ex.ID(), "address", address, "pattern", ex.Pattern())
	return nil
}

// NotifyDone implements messaging.Transport. Only exchanges whose reply
// asked for an acknowledgement produce a status envelope.
func (t *Transport) NotifyDone(ctx context.Context, ex *contracts.Exchange) error {
	v, ok := t.awaitingAck.LoadAndDelete(ex.ID())
	if !ok {
		return nil
	}
	route := v.(ackRoute)

	env := contracts.EncodeExchange(ex, contracts.KindStatus, wireProperties)
	body, err := contracts.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, route.queue, t.publishing(env, body))
}

// Serve consumes requests sent to address and hands them to processor. The
// queue is declared durable. Serving lasts until Unserve or Close.
func (t *Transport) Serve(ctx context.Context, address string, processor messaging.Processor) error {
	switch {
	case t.closed.Load():
		return ErrTransportClosed
	case processor == nil:
		return messaging.ErrNilProcessor
	case address == "":
		return messaging.ErrInvalidAddress
	}

	t.mu.Lock()
	if _, ok := t.endpoints[address]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", messaging.ErrEndpointExists, address)
	}
	t.endpoints[address] = processor
	t.mu.Unlock()

	if err := t.subscribeEndpoint(ctx, address, processor); err != nil {
		t.mu.Lock()
		delete(t.endpoints, address)
		t.mu.Unlock()
		return err
	}
	return nil
}

// Unserve stops consuming address
func (t *Transport) Unserve(address string) error {
	t.mu.Lock()
	delete(t.endpoints, address)
	t.mu.Unlock()
	return t.consumer.Unsubscribe(address)
}

// InFlight returns the number of requests waiting for a reply
func (t *Transport) InFlight() int {
	n := 0
	t.inFlight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager != nil && t.manager.IsConnected()
}

// LastError returns the cause of the latest connection state change
func (t *Transport) LastError() error {
	if t.manager == nil {
		return nil
	}
	return t.manager.LastError()
}

// Close stops consuming and closes the connection. Requests still waiting
// for a reply are forgotten; their callers time out.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	var errs []error
	if t.consumer != nil {
		errs = append(errs, t.consumer.Close())
	}
	if t.pool != nil {
		errs = append(errs, t.pool.Close())
	}
	if t.manager != nil {
		errs = append(errs, t.manager.Close())
	}
	return errors.Join(errs...)
}

func (t *Transport) listen(ctx context.Context) error {
	queue, err := t.consumer.DeclareQueue(ctx, "", rabbitmq.QueueOptions{AutoDelete: true, Exclusive: true})
	if err != nil {
		return err
	}
	if err := t.consumer.Subscribe(t.ctx, queue, t.handleReply); err != nil {
		return err
	}

	t.mu.Lock()
	t.replyQueue = queue
	t.mu.Unlock()
	t.logger.Info("listening for replies", "queue", queue)
	return nil
}

func (t *Transport) subscribeEndpoint(ctx context.Context, address string, p messaging.Processor) error {
	if _, err := t.consumer.DeclareQueue(ctx, address, rabbitmq.QueueOptions{Durable: true}); err != nil {
		return err
	}
	return t.consumer.Subscribe(t.ctx, address, func(ctx context.Context, d amqp.Delivery) error {
		return t.handleRequest(ctx, p, d)
	})
}

// onConnectionState restores subscriptions after the manager reconnected.
// The old reply queue died with the connection, so requests sent before
// the drop are never answered.
func (t *Transport) onConnectionState(state rabbitmq.ConnectionState, _ error) {
	if state != rabbitmq.StateConnected || t.closed.Load() {
		return
	}
	go t.restore()
}

func (t *Transport) restore() {
	if old := t.ReplyQueue(); old != "" {
		_ = t.consumer.Unsubscribe(old)
	}
	if err := t.listen(t.ctx); err != nil {
		t.logger.Error("failed to restore reply queue", "error", err)
	}

	t.mu.RLock()
	endpoints := make(map[string]messaging.Processor, len(t.endpoints))
	for addr, p := range t.endpoints {
		endpoints[addr] = p
	}
	t.mu.RUnlock()

	for addr, p := range endpoints {
		_ = t.consumer.Unsubscribe(addr)
		if err := t.subscribeEndpoint(t.ctx, addr, p); err != nil {
			t.logger.Error("failed to restore endpoint", "address", addr, "error", err)
		}
	}
}

// handleRequest runs on the provider side
func (t *Transport) handleRequest(ctx context.Context, p messaging.Processor, d amqp.Delivery) error {
	env, err := contracts.UnmarshalEnvelope(d.Body)
	if err != nil {
		return reliability.Permanent(err)
	}
	if env.Kind != contracts.KindRequest {
		return reliability.Permanent(fmt.Errorf("%w: %s envelope on request queue", contracts.ErrInvalidEnvelope, env.Kind))
	}
	ex, err := env.Decode()
	if err != nil {
		return reliability.Permanent(err)
	}

	procErr := messaging.SafeProcess(ctx, p, ex)
	messaging.Settle(ex, procErr)
	if procErr != nil {
		t.logger.Debug("processor failed", "exchangeId", ex.ID(), "address", ex.Address(), "error", procErr)
	}

	if env.ReplyTo == "" {
		return nil
	}
	if ex.Status() == contracts.StatusActive {
		if l, ok := p.(messaging.DoneListener); ok {
			t.served.Store(ex.ID(), &servedExchange{ex: ex, listener: l, at: time.Now()})
		}
	}

	reply := contracts.EncodeExchange(ex, contracts.KindReply, wireProperties)
	reply.ReplyTo = t.ReplyQueue()
	body, err := contracts.MarshalEnvelope(reply)
	if err != nil {
		t.served.Delete(ex.ID())
		return reliability.Permanent(err)
	}
	if err := t.publisher.Publish(ctx, env.ReplyTo, t.publishing(reply, body)); err != nil {
		t.served.Delete(ex.ID())
		t.logger.Warn("failed to send reply", "exchangeId", ex.ID(), "replyTo", env.ReplyTo, "error", err)
		// the exchange was processed; redelivering would process it twice
		return reliability.Permanent(err)
	}
	return nil
}

// handleReply receives replies to our requests and acknowledgements of our
// replies
func (t *Transport) handleReply(ctx context.Context, d amqp.Delivery) error {
	env, err := contracts.UnmarshalEnvelope(d.Body)
	if err != nil {
		return reliability.Permanent(err)
	}

	switch env.Kind {
	case contracts.KindReply:
		t.complete(ctx, env)
	case contracts.KindStatus:
		t.acknowledged(ctx, env)
	default:
		return reliability.Permanent(fmt.Errorf("%w: %s envelope on reply queue", contracts.ErrInvalidEnvelope, env.Kind))
	}
	return nil
}

func (t *Transport) complete(ctx context.Context, env *contracts.Envelope) {
	v, ok := t.inFlight.LoadAndDelete(env.ID)
	if !ok {
		t.logger.Debug("reply for unknown exchange", "exchangeId", env.ID)
		return
	}
	ex := v.(*pendingRequest).ex

	if err := contracts.ApplyEnvelope(ex, env); err != nil {
		t.logger.Warn("could not apply reply", "exchangeId", ex.ID(), "error", err)
		if !ex.Status().Terminal() {
			_ = ex.Fail(err)
		}
	}
	if ex.Status() == contracts.StatusActive && env.ReplyTo != "" {
		t.awaitingAck.Store(ex.ID(), ackRoute{queue: env.ReplyTo, at: time.Now()})
	}

	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		t.logger.Warn("reply dropped, no completion handler", "exchangeId", ex.ID())
		return
	}
	h.Complete(ctx, ex)
}

func (t *Transport) acknowledged(ctx context.Context, env *contracts.Envelope) {
	v, ok := t.served.LoadAndDelete(env.ID)
	if !ok {
		t.logger.Debug("acknowledgement for unknown exchange", "exchangeId", env.ID)
		return
	}
	s := v.(*servedExchange)

	if env.Status == contracts.StatusError {
		_ = s.ex.Fail(&contracts.RemoteError{Message: env.Error})
	} else {
		_ = s.ex.Done()
	}
	s.listener.ExchangeDone(ctx, s.ex)
}

// sweep forgets requests and replies nobody answered within the TTL
func (t *Transport) sweep() {
	ticker := time.NewTicker(t.inFlightTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}

func (t *Transport) expire(now time.Time) {
	cutoff := now.Add(-t.inFlightTTL)
	t.inFlight.Range(func(k, v any) bool {
		if v.(*pendingRequest).sentAt.Before(cutoff) {
			t.inFlight.Delete(k)
			t.logger.Debug("forgetting unanswered request", "exchangeId", k)
		}
		return true
	})
	t.awaitingAck.Range(func(k, v any) bool {
		if v.(ackRoute).at.Before(cutoff) {
			t.awaitingAck.Delete(k)
		}
		return true
	})
	t.served.Range(func(k, v any) bool {
		if v.(*servedExchange).at.Before(cutoff) {
			t.served.Delete(k)
		}
		return true
	})
}

func (t *Transport) publishing(env *contracts.Envelope, body []byte) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     env.ID,
		CorrelationId: env.ID,
		ReplyTo:       env.ReplyTo,
		Type:          string(env.Kind),
		Timestamp:     env.Timestamp,
		Headers:       headers(env),
		Body:          body,
	}
	if env.Kind == contracts.KindRequest {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}

// headers mirrors scalar exchange properties into AMQP headers so brokers
// and tooling can route or inspect without parsing the body
func headers(env *contracts.Envelope) amqp.Table {
	table := amqp.Table{
		headerKind:    string(env.Kind),
		headerPattern: env.Pattern.String(),
	}
	for k, v := range env.Properties {
		switch val := v.(type) {
		case uint16:
			table[k] = int32(val)
		case uint32:
			table[k] = int64(val)
		case uint64:
			if val <= math.MaxInt64 {
				table[k] = int64(val)
			}
		default:
			if wireProperties.Accept(k, v) {
				table[k] = v
			}
		}
	}
	return table
}
