// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/config"
	"github.com/glimte/mmate-bridge/contracts"
	"github.com/glimte/mmate-bridge/eip"
	"github.com/glimte/mmate-bridge/filter"
	"github.com/glimte/mmate-bridge/health"
	"github.com/glimte/mmate-bridge/internal/journal"
	"github.com/glimte/mmate-bridge/internal/rabbitmq"
	"github.com/glimte/mmate-bridge/internal/reliability"
	"github.com/glimte/mmate-bridge/messaging"
	rabbitmqTransport "github.com/glimte/mmate-bridge/transports/rabbitmq"
)

// ErrClientClosed is returned by operations on a closed client
var ErrClientClosed = errors.New("mmate: client closed")

// Client wires a transport, the correlation bridge, the configured message
// filter routes and health checks into one unit.
type Client struct {
	cfg      *config.Config
	logger   *slog.Logger
	version  string
	channel  *messaging.Channel
	amqp     *rabbitmqTransport.Transport
	resolver messaging.TargetResolver
	bridge   *bridge.Bridge
	breaker  *reliability.CircuitBreaker
	metrics  *messaging.InMemoryMetrics
	journal  *journal.InMemoryJournal
	health   *health.Registry

	mu      sync.Mutex
	filters map[string]*eip.MessageFilter
	started bool
	closed  bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger  *slog.Logger
	version string
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithVersion reports the build version in health metadata
func WithVersion(version string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.version = version
	}
}

// NewClient creates the transport selected by cfg and a bridge over it.
// Routes are not served until Start.
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range options {
		opt(cc)
	}

	c := &Client{
		cfg:     cfg,
		logger:  cc.logger,
		version: cc.version,
		metrics: messaging.NewInMemoryMetrics(),
		journal: journal.NewInMemoryJournal(),
		health:  health.NewRegistry(),
		filters: make(map[string]*eip.MessageFilter),
	}

	static := messaging.NewStaticResolver()
	for _, e := range cfg.Endpoints {
		static.Add(e.Target, e.Address)
	}

	var transport messaging.Transport
	switch cfg.Transport.Kind {
	case config.TransportAMQP:
		t, err := c.dialAMQP(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		c.amqp = t
		transport = t
		c.resolver = messaging.ChainResolver{static, messaging.ResolverFunc(endpointAddress)}
		c.health.Register(health.NewConnectionChecker("amqp", t))
	default:
		c.channel = messaging.NewChannel(
			messaging.WithWorkers(cfg.Channel.Workers),
			messaging.WithQueueSize(cfg.Channel.QueueSize),
			messaging.WithProcessTimeout(cfg.Channel.ProcessTimeout),
			messaging.WithChannelLogger(c.logger),
			messaging.WithChannelMetrics(c.metrics),
		)
		transport = c.channel
		c.resolver = messaging.ChainResolver{static, c.channel}
	}

	b, err := bridge.NewBridge(transport, c.bridgeOptions()...)
	if err != nil {
		_ = c.closeTransport()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	c.bridge = b

	c.health.Register(health.NewBridgeChecker("bridge", b, 0.8))
	c.health.Register(health.NewMemoryChecker(cfg.Health.MaxGoroutines, cfg.Health.MaxHeapMB))
	if c.breaker != nil {
		c.health.Register(health.NewCircuitBreakerChecker(c.breaker))
	}
	c.health.SetMetadata("version", c.version)
	c.health.SetMetadata("transport", cfg.Transport.Kind)

	c.logger.Info("client created", "transport", cfg.Transport.Kind, "routes", len(cfg.Routes))
	return c, nil
}

func (c *Client) dialAMQP(ctx context.Context) (*rabbitmqTransport.Transport, error) {
	a := c.cfg.Transport.AMQP
	return rabbitmqTransport.NewTransport(ctx, a.URL,
		rabbitmqTransport.WithLogger(c.logger),
		rabbitmqTransport.WithInFlightTTL(a.InFlightTTL),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithLogger(c.logger),
			rabbitmq.WithMaxRetries(a.MaxRetries),
		),
		rabbitmqTransport.WithChannelPoolOptions(
			rabbitmq.WithMaxChannels(a.MaxChannels),
			rabbitmq.WithChannelLogger(c.logger),
		),
		rabbitmqTransport.WithPublisherOptions(
			rabbitmq.WithConfirmTimeout(a.ConfirmTimeout),
			rabbitmq.WithPublisherLogger(c.logger),
		),
		rabbitmqTransport.WithConsumerOptions(
			rabbitmq.WithPrefetchCount(a.PrefetchCount),
			rabbitmq.WithConcurrency(a.Concurrency),
			rabbitmq.WithConsumerLogger(c.logger),
		),
	)
}

func (c *Client) bridgeOptions() []bridge.BridgeOption {
	bc := c.cfg.Bridge
	opts := []bridge.BridgeOption{
		bridge.WithDefaultTimeout(bc.DefaultTimeout),
		bridge.WithMaxPending(bc.MaxPending),
		bridge.WithLogger(c.logger),
		bridge.WithMetrics(c.metrics),
		bridge.WithJournal(c.journal),
	}
	if bc.CircuitBreaker.Enabled {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("bridge"),
			reliability.WithFailureThreshold(bc.CircuitBreaker.FailureThreshold),
			reliability.WithTimeout(bc.CircuitBreaker.CoolDown),
		)
		opts = append(opts, bridge.WithCircuitBreaker(c.breaker))
	}
	if bc.Retry.MaxRetries > 0 {
		opts = append(opts, bridge.WithRetryPolicy(retryPolicy(bc.Retry)))
	}
	return opts
}

func retryPolicy(rc config.RetryConfig) reliability.RetryPolicy {
	switch rc.Strategy {
	case config.RetryLinear:
		return reliability.NewLinearBackoff(rc.InitialInterval, rc.MaxInterval, rc.MaxRetries)
	case config.RetryFixed:
		return reliability.NewFixedDelay(rc.InitialInterval, rc.MaxRetries)
	default:
		return reliability.NewExponentialBackoff(rc.InitialInterval, rc.MaxInterval, 2, rc.MaxRetries)
	}
}

// endpointAddress uses the endpoint name as the queue name
func endpointAddress(_ context.Context, target contracts.Target) (string, error) {
	if target.Endpoint == "" {
		return "", fmt.Errorf("%w: %s has no endpoint name", contracts.ErrTargetNotFound, target)
	}
	return target.Endpoint, nil
}

// Start builds a message filter for every configured route and serves it at
// the route address. Downstream targets must resolve by then.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}

	for _, route := range c.cfg.Routes {
		f, err := c.newFilter(route)
		if err != nil {
			return fmt.Errorf("route %s: %w", route.Name, err)
		}
		if err := c.serve(ctx, route.Address, f); err != nil {
			return fmt.Errorf("route %s: %w", route.Name, err)
		}
		c.filters[route.Name] = f
		c.logger.Info("route started",
			"route", route.Name,
			"address", route.Address,
			"target", route.Target.String(),
			"synchronous", route.IsSynchronous(),
			"reportErrors", route.ReportErrors)
	}
	c.started = true
	return nil
}

func (c *Client) newFilter(route config.RouteConfig) (*eip.MessageFilter, error) {
	predicate, err := filter.Build(route.Filter)
	if err != nil {
		return nil, err
	}
	return eip.NewMessageFilter(c.bridge, c.resolver, route.Target, predicate,
		eip.WithName(route.Name),
		eip.WithSynchronous(route.IsSynchronous()),
		eip.WithReportErrors(route.ReportErrors),
		eip.WithTimeout(route.Timeout),
		eip.WithLogger(c.logger),
		eip.WithMetrics(c.metrics),
		eip.WithJournal(c.journal),
	)
}

// Serve binds a processor to an address on the client's transport
func (c *Client) Serve(ctx context.Context, address string, p messaging.Processor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.serve(ctx, address, p)
}

func (c *Client) serve(ctx context.Context, address string, p messaging.Processor) error {
	if c.amqp != nil {
		return c.amqp.Serve(ctx, address, p)
	}
	return c.channel.Register(address, p)
}

// Unserve removes the processor at address
func (c *Client) Unserve(address string) error {
	if c.amqp != nil {
		return c.amqp.Unserve(address)
	}
	c.channel.Unregister(address)
	return nil
}

// Consumer creates an entry point that sends messages to target through
// the bridge
func (c *Client) Consumer(target contracts.Target, opts ...eip.ConsumerOption) (*eip.Consumer, error) {
	opts = append([]eip.ConsumerOption{eip.WithConsumerLogger(c.logger)}, opts...)
	return eip.NewConsumer(c.bridge, c.resolver, target, opts...)
}

// Filter returns the started route filter with the given name
func (c *Client) Filter(name string) (*eip.MessageFilter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.filters[name]
	return f, ok
}

// Routes returns the names of the started routes
func (c *Client) Routes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.filters))
	for name := range c.filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bridge returns the correlation bridge
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// Resolver returns the target resolver used by routes and consumers
func (c *Client) Resolver() messaging.TargetResolver {
	return c.resolver
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// HealthHandler serves /health and /health/live
func (c *Client) HealthHandler() http.Handler {
	timeout := c.cfg.Health.Timeout
	if timeout <= 0 {
		timeout = config.Default().Health.Timeout
	}
	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(c.health, timeout))
	mux.Handle("/health/live", health.LivenessHandler())
	return mux
}

// Metrics returns a snapshot of the exchange counters
func (c *Client) Metrics() messaging.MetricsStats {
	return c.metrics.GetStats()
}

// Journal returns the exchange journal
func (c *Client) Journal() journal.Journal {
	return c.journal
}

// Close closes the bridge, failing suspended sends, then the transport
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.bridge.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeTransport(); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("client closed")
	return errors.Join(errs...)
}

func (c *Client) closeTransport() error {
	if c.amqp != nil {
		return c.amqp.Close()
	}
	return c.channel.Close()
}
