package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bridge/contracts"
)

// Stage works on an exchange before it is routed. Stages must not keep
// per-exchange state; one stage value serves every exchange concurrently.
type Stage interface {
	// Apply processes the exchange. An error stops the pipeline.
	Apply(ctx context.Context, ex *contracts.Exchange) error

	// Name returns the stage name for logging and debugging
	Name() string
}

// StageFunc is a function adapter for Stage
type StageFunc struct {
	name string
	fn   func(ctx context.Context, ex *contracts.Exchange) error
}

// NewStageFunc creates a new function-based stage
func NewStageFunc(name string, fn func(ctx context.Context, ex *contracts.Exchange) error) *StageFunc {
	return &StageFunc{name: name, fn: fn}
}

// Apply implements Stage
func (s *StageFunc) Apply(ctx context.Context, ex *contracts.Exchange) error {
	return s.fn(ctx, ex)
}

// Name implements Stage
func (s *StageFunc) Name() string {
	return s.name
}

// StageError reports which stage rejected an exchange
type StageError struct {
	Stage      string
	ExchangeID string
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s rejected exchange %s: %v", e.Stage, e.ExchangeID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline is an ordered, immutable list of stages. It is composed once at
// configuration time; With returns a new pipeline and leaves the receiver
// untouched.
type Pipeline struct {
	stages []Stage
	logger *slog.Logger
}

// NewPipeline creates a pipeline. A nil logger uses slog.Default().
func NewPipeline(logger *slog.Logger, stages ...Stage) Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return Pipeline{
		stages: append([]Stage(nil), stages...),
		logger: logger,
	}
}

// With returns a pipeline with the given stages appended.
func (p Pipeline) With(stages ...Stage) Pipeline {
	next := make([]Stage, 0, len(p.stages)+len(stages))
	next = append(next, p.stages...)
	next = append(next, stages...)
	return Pipeline{stages: next, logger: p.logger}
}

// Run applies every stage in order and stops at the first failure, which is
// returned as a *StageError.
func (p Pipeline) Run(ctx context.Context, ex *contracts.Exchange) error {
	for _, s := range p.stages {
		if err := s.Apply(ctx, ex); err != nil {
			if p.logger != nil {
				p.logger.Debug("stage rejected exchange",
					"stage", s.Name(),
					"exchangeId", ex.ID(),
					"error", err)
			}
			return &StageError{Stage: s.Name(), ExchangeID: ex.ID(), Err: err}
		}
	}
	return nil
}

// Names returns the stage names in order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Len returns the number of stages.
func (p Pipeline) Len() int {
	return len(p.stages)
}
