package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bridge/contracts"
	"github.com/glimte/mmate-bridge/filter"
	"github.com/glimte/mmate-bridge/messaging"
)

// ErrValidationFailed wraps validator rejections
var ErrValidationFailed = errors.New("exchange validation failed")

// LoggingStage logs every exchange entering the pipeline
type LoggingStage struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingStage creates a new logging stage
func NewLoggingStage(logger *slog.Logger, level slog.Level) *LoggingStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingStage{logger: logger, level: level}
}

// Apply implements Stage
func (s *LoggingStage) Apply(ctx context.Context, ex *contracts.Exchange) error {
	attrs := []any{
		"exchangeId", ex.ID(),
		"pattern", ex.Pattern(),
	}
	if in := ex.In(); in != nil {
		attrs = append(attrs, "contentType", in.ContentType, "size", len(in.Content))
	}
	s.logger.Log(ctx, s.level, "exchange entering pipeline", attrs...)
	return nil
}

// Name implements Stage
func (s *LoggingStage) Name() string {
	return "LoggingStage"
}

// MetricsStage records failures of the stage it wraps
type MetricsStage struct {
	inner     Stage
	collector messaging.MetricsCollector
}

// NewMetricsStage wraps inner so its failures are counted
func NewMetricsStage(inner Stage, collector messaging.MetricsCollector) *MetricsStage {
	if collector == nil {
		collector = messaging.NoOpMetricsCollector{}
	}
	return &MetricsStage{inner: inner, collector: collector}
}

// Apply implements Stage
func (s *MetricsStage) Apply(ctx context.Context, ex *contracts.Exchange) error {
	err := s.inner.Apply(ctx, ex)
	if err != nil {
		errType := "stage_error"
		if errors.Is(err, ErrValidationFailed) {
			errType = "validation"
		}
		s.collector.RecordError(s.inner.Name(), errType)
	}
	return err
}

// Name implements Stage
func (s *MetricsStage) Name() string {
	return fmt.Sprintf("MetricsStage[%s]", s.inner.Name())
}

// PropertyFilterStage drops request properties the filter rejects
type PropertyFilterStage struct {
	filter contracts.PropertyFilter
}

// NewPropertyFilterStage creates a new property filter stage
func NewPropertyFilterStage(f contracts.PropertyFilter) *PropertyFilterStage {
	return &PropertyFilterStage{filter: f}
}

// Apply implements Stage
func (s *PropertyFilterStage) Apply(_ context.Context, ex *contracts.Exchange) error {
	in := ex.In()
	if in == nil {
		return nil
	}
	return ex.SetIn(in.CopyFiltered(s.filter))
}

// Name implements Stage
func (s *PropertyFilterStage) Name() string {
	return "PropertyFilterStage"
}

// PropertyStage sets a constant exchange property
type PropertyStage struct {
	key   string
	value interface{}
}

// NewPropertyStage creates a new property stage
func NewPropertyStage(key string, value interface{}) *PropertyStage {
	return &PropertyStage{key: key, value: value}
}

// Apply implements Stage
func (s *PropertyStage) Apply(_ context.Context, ex *contracts.Exchange) error {
	ex.SetProperty(s.key, s.value)
	return nil
}

// Name implements Stage
func (s *PropertyStage) Name() string {
	return fmt.Sprintf("PropertyStage[%s]", s.key)
}

// Validator checks an exchange
type Validator interface {
	Validate(ctx context.Context, ex *contracts.Exchange) error
}

// ValidationStage rejects exchanges the validator refuses
type ValidationStage struct {
	validator Validator
}

// NewValidationStage creates a new validation stage
func NewValidationStage(validator Validator) *ValidationStage {
	return &ValidationStage{validator: validator}
}

// Apply implements Stage
func (s *ValidationStage) Apply(ctx context.Context, ex *contracts.Exchange) error {
	if err := s.validator.Validate(ctx, ex); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return nil
}

// Name implements Stage
func (s *ValidationStage) Name() string {
	return "ValidationStage"
}

// ConditionalStage applies a stage only to exchanges matching a predicate
type ConditionalStage struct {
	condition filter.Predicate
	stage     Stage
}

// When creates a stage that runs stage only when condition matches
func When(condition filter.Predicate, stage Stage) *ConditionalStage {
	return &ConditionalStage{condition: condition, stage: stage}
}

// Apply implements Stage
func (s *ConditionalStage) Apply(ctx context.Context, ex *contracts.Exchange) error {
	if !s.condition.Matches(ex) {
		return nil
	}
	return s.stage.Apply(ctx, ex)
}

// Name implements Stage
func (s *ConditionalStage) Name() string {
	return fmt.Sprintf("ConditionalStage[%s]", s.stage.Name())
}
