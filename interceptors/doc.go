// Package interceptors provides the stage pipeline exchanges pass through
// before they are routed.
//
// A Pipeline is an ordered list of stages composed once when an endpoint is
// configured. It never changes afterwards: With returns a new pipeline, so
// pipelines can be shared by concurrent workers without locking.
//
// Built-in stages:
//   - LoggingStage: logs exchanges entering the pipeline
//   - MetricsStage: counts failures of the stage it wraps
//   - PropertyFilterStage: drops request properties a PropertyFilter rejects
//   - PropertyStage: sets a constant exchange property
//   - ValidationStage: rejects exchanges a Validator refuses, for example a
//     SchemaValidator checking JSON payloads against a JSON Schema
//   - ConditionalStage: runs a stage only for exchanges matching a predicate
//
// Example usage:
//
//	validator, err := interceptors.NewSchemaValidator("order", orderSchema)
//	if err != nil {
//		return err
//	}
//	pipeline := interceptors.NewPipeline(logger,
//		interceptors.NewLoggingStage(logger, slog.LevelDebug),
//		interceptors.NewPropertyFilterStage(contracts.SerializablePropertyFilter{}),
//	).With(interceptors.NewValidationStage(validator))
//
//	if err := pipeline.Run(ctx, ex); err != nil {
//		// err is a *StageError naming the stage that refused the exchange
//	}
package interceptors
