package eip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/contracts"
	"github.com/glimte/mmate-bridge/interceptors"
	"github.com/glimte/mmate-bridge/messaging"
)

// ConsumerOption configures a consumer
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	synchronous bool
	timeout     time.Duration
	pipeline    interceptors.Pipeline
	logger      *slog.Logger
}

// WithConsumerSynchronous selects waiting for the outcome (the default).
// It applies to request/reply and robust one-way exchanges only: one-way
// exchanges are never awaited and return once handed off, whatever this is
// set to.
func WithConsumerSynchronous(sync bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.synchronous = sync
	}
}

// WithConsumerTimeout sets the wait limit. Zero uses the bridge default.
func WithConsumerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		c.timeout = timeout
	}
}

// WithPipeline runs stages on every exchange before it is sent
func WithPipeline(p interceptors.Pipeline) ConsumerOption {
	return func(c *consumerConfig) {
		c.pipeline = p
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = logger
	}
}

// Consumer is the entry point for callers outside the exchange model. It
// wraps a request message into an exchange, sends it to a fixed target and
// maps the outcome back to a reply message or an error.
type Consumer struct {
	sender      Sender
	resolver    messaging.TargetResolver
	target      contracts.Target
	synchronous bool
	timeout     time.Duration
	pipeline    interceptors.Pipeline
	logger      *slog.Logger
}

// NewConsumer creates a consumer for target.
func NewConsumer(sender Sender, resolver messaging.TargetResolver, target contracts.Target, opts ...ConsumerOption) (*Consumer, error) {
	config := &consumerConfig{
		synchronous: true,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(config)
	}

	if sender == nil || resolver == nil {
		return nil, &contracts.ConfigError{Component: "consumer", Err: errors.New("sender and resolver must be set")}
	}
	if target.IsZero() {
		return nil, &contracts.ConfigError{Component: "consumer", Field: "target", Err: errors.New("must be set")}
	}

	return &Consumer{
		sender:      sender,
		resolver:    resolver,
		target:      target,
		synchronous: config.synchronous,
		timeout:     config.timeout,
		pipeline:    config.pipeline,
		logger:      config.logger.With("component", "consumer", "target", target.String()),
	}, nil
}

// Invoke sends in with the given pattern.
//
// Synchronous consumers wait for request/reply and robust one-way exchanges:
// a reply is returned as the message, a fault as a *contracts.FaultError and
// a downstream failure as a *contracts.DownstreamError. One-way exchanges and
// asynchronous consumers return as soon as the exchange is handed off.
func (c *Consumer) Invoke(ctx context.Context, pattern contracts.Pattern, in *contracts.Message) (*contracts.Message, error) {
	ex, err := contracts.NewExchange(pattern)
	if err != nil {
		return nil, err
	}
	if err := contracts.TransferToIn(in, ex); err != nil {
		return nil, err
	}
	if err := c.pipeline.Run(ctx, ex); err != nil {
		return nil, err
	}

	address, err := c.resolver.Resolve(ctx, c.target)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", c.target, err)
	}
	if err := ex.SetTarget(c.target, address); err != nil {
		return nil, err
	}

	if !c.synchronous || pattern == contracts.OneWay {
		return nil, c.sender.SendAsync(ctx, ex)
	}

	outcome, err := c.sender.SendSync(ctx, ex, c.timeout)
	if err != nil {
		return nil, err
	}
	switch outcome.Kind() {
	case bridge.OutcomeError:
		return nil, &contracts.DownstreamError{ExchangeID: outcome.ExchangeID, Err: outcome.Err}
	case bridge.OutcomeFault:
		return nil, &contracts.FaultError{ExchangeID: outcome.ExchangeID, Fault: outcome.Fault}
	case bridge.OutcomeReply:
		return outcome.Out, nil
	default:
		return nil, nil
	}
}
