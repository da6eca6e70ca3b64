package telemetry

import (
	"context"
	"time"
)

type noopLogger struct{}

// NewNoopLogger returns a Logger that discards everything. Useful as a
// default when a caller does not configure telemetry.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Debug(context.Context, string, ...Field)        {}
func (noopLogger) Info(context.Context, string, ...Field)         {}
func (noopLogger) Warn(context.Context, string, ...Field)         {}
func (noopLogger) Error(context.Context, string, error, ...Field) {}
func (l noopLogger) With(...Field) Logger                         { return l }

type noopMetrics struct{}

// NewNoopMetrics returns a Metrics that discards everything.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) IncCounter(string, ...Field)                   {}
func (noopMetrics) ObserveDuration(string, time.Duration, ...Field) {}
func (noopMetrics) SetGauge(string, float64, ...Field)            {}

type noopTracer struct{}

// NewNoopTracer returns a Tracer whose spans do nothing.
func NewNoopTracer() Tracer { return noopTracer{} }

func (noopTracer) StartSpan(ctx context.Context, _ string, _ ...Field) (context.Context, func()) {
	return ctx, func() {}
}
