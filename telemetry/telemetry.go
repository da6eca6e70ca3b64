// Package telemetry defines the logging, metrics, and tracing seams used
// throughout the turn engine. Components accept these interfaces rather than
// reaching for package-global loggers so tests can inject no-op or recording
// implementations.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger records structured diagnostic events. Implementations must be
	// safe for concurrent use.
	Logger interface {
		// Debug logs a low-priority diagnostic message with structured fields.
		Debug(ctx context.Context, msg string, fields ...Field)
		// Info logs a normal-priority event.
		Info(ctx context.Context, msg string, fields ...Field)
		// Warn logs a recoverable anomaly.
		Warn(ctx context.Context, msg string, fields ...Field)
		// Error logs a failure. err may be nil.
		Error(ctx context.Context, msg string, err error, fields ...Field)
		// With returns a Logger that always includes the given fields.
		With(fields ...Field) Logger
	}

	// Field is a single structured logging attribute.
	Field struct {
		Key   string
		Value any
	}

	// Metrics records counters, gauges, and durations for the turn engine.
	Metrics interface {
		// IncCounter increments a named counter by one, tagged with labels.
		IncCounter(name string, labels ...Field)
		// ObserveDuration records a duration against a named histogram.
		ObserveDuration(name string, d time.Duration, labels ...Field)
		// SetGauge records the current value of a named gauge.
		SetGauge(name string, value float64, labels ...Field)
	}

	// Tracer starts spans for tracing request flows across components.
	Tracer interface {
		// StartSpan starts a new span named name, returning a context carrying
		// it and a function that must be called to end the span.
		StartSpan(ctx context.Context, name string, fields ...Field) (context.Context, func())
	}
)

// F builds a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }
