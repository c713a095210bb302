package eip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/contracts"
	"github.com/glimte/mmate-bridge/filter"
	"github.com/glimte/mmate-bridge/internal/journal"
	"github.com/glimte/mmate-bridge/messaging"
)

// ErrNilExchange is returned when Process is handed nothing
var ErrNilExchange = errors.New("eip: exchange cannot be nil")

// Sender forwards exchanges downstream. *bridge.Bridge implements it.
type Sender interface {
	SendSync(ctx context.Context, ex *contracts.Exchange, timeout time.Duration) (bridge.Outcome, error)
	SendAsync(ctx context.Context, ex *contracts.Exchange) error
	Submit(ctx context.Context, ex *contracts.Exchange, timeout time.Duration, cont bridge.Continuation) error
	Cancel(ctx context.Context, ex *contracts.Exchange, cause error) bool
}

// bridge properties stay with the exchange that owns them
var forwardedProperties = contracts.PrefixPropertyFilter{Prefixes: []string{"mmate.bridge."}}

// FilterOption configures a message filter
type FilterOption func(*filterConfig)

type filterConfig struct {
	name         string
	reportErrors bool
	synchronous  bool
	timeout      time.Duration
	logger       *slog.Logger
	metrics      messaging.MetricsCollector
	journal      journal.Journal
}

// WithReportErrors makes downstream errors and faults fail the inbound
// exchange instead of being swallowed.
func WithReportErrors(report bool) FilterOption {
	return func(c *filterConfig) {
		c.reportErrors = report
	}
}

// WithSynchronous selects waiting for the downstream outcome (the default)
// or fire-and-forget forwarding.
func WithSynchronous(sync bool) FilterOption {
	return func(c *filterConfig) {
		c.synchronous = sync
	}
}

// WithTimeout sets the synchronous wait limit. Zero uses the bridge default.
func WithTimeout(timeout time.Duration) FilterOption {
	return func(c *filterConfig) {
		c.timeout = timeout
	}
}

// WithName names the filter in logs and journal entries
func WithName(name string) FilterOption {
	return func(c *filterConfig) {
		c.name = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FilterOption {
	return func(c *filterConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) FilterOption {
	return func(c *filterConfig) {
		c.metrics = m
	}
}

// WithJournal records what the filter did with each exchange
func WithJournal(j journal.Journal) FilterOption {
	return func(c *filterConfig) {
		c.journal = j
	}
}

// MessageFilter is a routing endpoint. It forwards one-way exchanges whose
// request matches a predicate to a fixed target and drops the rest.
//
// MessageFilter implements messaging.AsyncProcessor. Failures are written
// onto the inbound exchange; Process itself only fails for exchanges it
// cannot touch.
type MessageFilter struct {
	name         string
	sender       Sender
	resolver     messaging.TargetResolver
	target       contracts.Target
	predicate    filter.Predicate
	reportErrors bool
	synchronous  bool
	timeout      time.Duration
	logger       *slog.Logger
	metrics      messaging.MetricsCollector
	journal      journal.Journal
}

// NewMessageFilter creates a message filter. The target must resolve
// through resolver; configuration problems are returned as
// *contracts.ConfigError.
func NewMessageFilter(sender Sender, resolver messaging.TargetResolver, target contracts.Target, predicate filter.Predicate, opts ...FilterOption) (*MessageFilter, error) {
	config := &filterConfig{
		name:        "message-filter",
		synchronous: true,
		logger:      slog.Default(),
		metrics:     messaging.NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(config)
	}

	configErr := func(field string, err error) error {
		return &contracts.ConfigError{Component: config.name, Field: field, Err: err}
	}
	switch {
	case sender == nil:
		return nil, configErr("sender", errors.New("must be set"))
	case resolver == nil:
		return nil, configErr("resolver", errors.New("must be set"))
	case target.IsZero():
		return nil, configErr("target", errors.New("must be set"))
	case predicate == nil:
		return nil, configErr("predicate", errors.New("must be set"))
	case config.timeout < 0:
		return nil, configErr("timeout", fmt.Errorf("must not be negative, got %s", config.timeout))
	}
	if _, err := resolver.Resolve(context.Background(), target); err != nil {
		return nil, configErr("target", err)
	}

	logger := config.logger.With("component", "eip", "endpoint", config.name)
	if !config.synchronous && config.reportErrors {
		logger.Warn("asynchronous forwarding with error reporting is not supported; every exchange will fail")
	}

	return &MessageFilter{
		name:         config.name,
		sender:       sender,
		resolver:     resolver,
		target:       target,
		predicate:    predicate,
		reportErrors: config.reportErrors,
		synchronous:  config.synchronous,
		timeout:      config.timeout,
		logger:       logger,
		metrics:      config.metrics,
		journal:      config.journal,
	}, nil
}

// Name returns the filter name
func (f *MessageFilter) Name() string {
	return f.name
}

// Target returns the forwarding target
func (f *MessageFilter) Target() contracts.Target {
	return f.target
}

// Process implements messaging.Processor. A synchronous filter blocks the
// calling goroutine until the downstream outcome is known.
func (f *MessageFilter) Process(ctx context.Context, inbound *contracts.Exchange) error {
	if ok, err := f.admit(ctx, inbound); !ok {
		return err
	}
	if !f.synchronous {
		f.processAsync(ctx, inbound)
		return nil
	}

	derived, ok := f.derive(ctx, inbound)
	if !ok {
		return nil
	}
	outcome, err := f.sender.SendSync(ctx, derived, f.timeout)
	f.resume(ctx, inbound, outcome, err)
	return nil
}

// ProcessAsync implements messaging.AsyncProcessor. A synchronous filter
// parks the inbound exchange in the bridge instead of blocking; done runs
// once the inbound exchange has been written.
func (f *MessageFilter) ProcessAsync(ctx context.Context, inbound *contracts.Exchange, done func(error)) {
	if ok, err := f.admit(ctx, inbound); !ok {
		done(err)
		return
	}
	if !f.synchronous {
		f.processAsync(ctx, inbound)
		done(nil)
		return
	}

	derived, ok := f.derive(ctx, inbound)
	if !ok {
		done(nil)
		return
	}

	stop := context.AfterFunc(ctx, func() {
		f.sender.Cancel(context.WithoutCancel(ctx), derived, ctx.Err())
	})
	err := f.sender.Submit(ctx, derived, f.timeout, func(outcome bridge.Outcome, err error) {
		stop()
		f.resume(ctx, inbound, outcome, err)
		done(nil)
	})
	if err != nil {
		stop()
		f.fail(ctx, inbound, err)
		done(nil)
	}
}

// admit reports whether inbound may be forwarded. Exchanges with the wrong
// pattern are failed here.
func (f *MessageFilter) admit(ctx context.Context, inbound *contracts.Exchange) (bool, error) {
	if inbound == nil {
		return false, ErrNilExchange
	}
	if status := inbound.Status(); status.Terminal() {
		f.logger.Debug("ignoring terminated exchange", "exchangeId", inbound.ID(), "status", status)
		return false, &contracts.ExchangeError{ExchangeID: inbound.ID(), Op: "filter", Status: status, Err: contracts.ErrExchangeTerminated}
	}

	switch inbound.Pattern() {
	case contracts.OneWay, contracts.RobustOneWay:
		return true, nil
	default:
		f.fail(ctx, inbound, fmt.Errorf("%w: %s", contracts.ErrUnsupportedPattern, inbound.Pattern()))
		return false, nil
	}
}

// resume writes the downstream result onto the inbound exchange.
func (f *MessageFilter) resume(ctx context.Context, inbound *contracts.Exchange, outcome bridge.Outcome, err error) {
	if err != nil {
		// hand-off failures and timeouts are always reported
		f.fail(ctx, inbound, err)
		return
	}

	switch outcome.Kind() {
	case bridge.OutcomeError:
		if !f.reportErrors {
			f.logger.Debug("swallowing downstream error",
				"exchangeId", inbound.ID(),
				"downstreamId", outcome.ExchangeID,
				"error", outcome.Err)
			f.done(ctx, inbound)
			return
		}
		f.fail(ctx, inbound, &contracts.DownstreamError{ExchangeID: outcome.ExchangeID, Err: outcome.Err})
	case bridge.OutcomeFault:
		if !f.reportErrors {
			f.logger.Debug("swallowing downstream fault",
				"exchangeId", inbound.ID(),
				"downstreamId", outcome.ExchangeID)
			f.done(ctx, inbound)
			return
		}
		f.returnFault(ctx, inbound, outcome)
	default:
		f.done(ctx, inbound)
	}
}

// returnFault hands the downstream fault back to the inbound consumer, who
// acknowledges it. One-way exchanges cannot carry a fault and fail instead.
func (f *MessageFilter) returnFault(ctx context.Context, inbound *contracts.Exchange, outcome bridge.Outcome) {
	if !inbound.Pattern().CanFault() {
		f.fail(ctx, inbound, &contracts.FaultError{ExchangeID: outcome.ExchangeID, Fault: outcome.Fault})
		return
	}
	if err := inbound.SetFault(outcome.Fault); err != nil {
		f.logger.Warn("could not return fault", "exchangeId", inbound.ID(), "error", err)
		f.fail(ctx, inbound, &contracts.FaultError{ExchangeID: outcome.ExchangeID, Fault: outcome.Fault})
		return
	}
	f.logger.Debug("returning downstream fault",
		"exchangeId", inbound.ID(),
		"downstreamId", outcome.ExchangeID)
}

func (f *MessageFilter) processAsync(ctx context.Context, inbound *contracts.Exchange) {
	if f.reportErrors {
		f.fail(ctx, inbound, contracts.ErrUnsupportedPolicy)
		return
	}
	if inbound.Fault() != nil {
		f.done(ctx, inbound)
		return
	}

	derived, ok := f.derive(ctx, inbound)
	if !ok {
		return
	}
	if err := f.sender.SendAsync(ctx, derived); err != nil {
		f.fail(ctx, inbound, err)
		return
	}
	f.done(ctx, inbound)
}

// derive builds the downstream exchange and applies the predicate. It
// returns false when the inbound exchange has been settled.
func (f *MessageFilter) derive(ctx context.Context, inbound *contracts.Exchange) (*contracts.Exchange, bool) {
	in, err := contracts.CopyIn(inbound)
	if err != nil {
		f.fail(ctx, inbound, err)
		return nil, false
	}

	address, err := f.resolver.Resolve(ctx, f.target)
	if err != nil {
		f.fail(ctx, inbound, err)
		return nil, false
	}

	derived, err := contracts.NewExchange(inbound.Pattern())
	if err != nil {
		f.fail(ctx, inbound, err)
		return nil, false
	}
	for k, v := range inbound.Properties() {
		if forwardedProperties.Accept(k, v) {
			derived.SetProperty(k, v)
		}
	}
	if err := derived.SetIn(in); err != nil {
		f.fail(ctx, inbound, err)
		return nil, false
	}
	if err := derived.SetTarget(f.target, address); err != nil {
		f.fail(ctx, inbound, err)
		return nil, false
	}

	if !f.predicate.Matches(derived) {
		f.metrics.RecordFiltered(f.name)
		journal.RecordExchange(ctx, f.journal, inbound, journal.EventFiltered, f.name, nil)
		f.done(ctx, inbound)
		return nil, false
	}

	journal.RecordExchange(ctx, f.journal, inbound, journal.EventForwarded, f.name, nil)
	f.logger.Debug("forwarding exchange",
		"exchangeId", inbound.ID(),
		"downstreamId", derived.ID(),
		"address", address)
	return derived, true
}

func (f *MessageFilter) done(ctx context.Context, inbound *contracts.Exchange) {
	if err := inbound.Done(); err != nil {
		f.logger.Warn("exchange already settled", "exchangeId", inbound.ID(), "error", err)
		return
	}
	journal.RecordExchange(ctx, f.journal, inbound, journal.EventDone, f.name, nil)
}

func (f *MessageFilter) fail(ctx context.Context, inbound *contracts.Exchange, cause error) {
	if err := inbound.Fail(cause); err != nil {
		f.logger.Warn("exchange already settled", "exchangeId", inbound.ID(), "error", err)
		return
	}
	f.metrics.RecordError(f.name, errorType(cause))
	journal.RecordExchange(ctx, f.journal, inbound, journal.EventFailed, f.name, cause)
	f.logger.Debug("exchange failed", "exchangeId", inbound.ID(), "error", cause)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, contracts.ErrTimeout):
		return "timeout"
	case errors.Is(err, contracts.ErrUnsupportedPattern):
		return "unsupported_pattern"
	case errors.Is(err, contracts.ErrUnsupportedPolicy):
		return "unsupported_policy"
	case errors.Is(err, contracts.ErrDownstreamFault):
		return "fault"
	case errors.Is(err, contracts.ErrDownstreamError):
		return "downstream"
	default:
		return "forward"
	}
}
