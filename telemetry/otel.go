package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// otelMetrics adapts the global go.opentelemetry.io/otel MeterProvider to
// Metrics. Instruments are created lazily and cached by name, since the
// otel metric API hands out one instrument per name rather than taking a
// name per call.
type otelMetrics struct {
	meter metric.Meter

	mu        sync.Mutex
	counters  map[string]metric.Float64Counter
	durations map[string]metric.Float64Histogram
	gauges    map[string]metric.Float64Gauge
}

// NewOtelMetrics returns a Metrics backed by the named otel meter from the
// global MeterProvider (otel.Meter(scope)).
func NewOtelMetrics(scope string) Metrics {
	return &otelMetrics{
		meter:     otel.Meter(scope),
		counters:  make(map[string]metric.Float64Counter),
		durations: make(map[string]metric.Float64Histogram),
		gauges:    make(map[string]metric.Float64Gauge),
	}
}

func toAttrs(fields []Field) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			attrs = append(attrs, attribute.String(f.Key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(f.Key, v))
		case int:
			attrs = append(attrs, attribute.Int(f.Key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(f.Key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(f.Key, v))
		default:
			attrs = append(attrs, attribute.String(f.Key, fmtValue(v)))
		}
	}
	return attrs
}

func fmtValue(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return "unsupported"
}

func (m *otelMetrics) IncCounter(name string, labels ...Field) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

func (m *otelMetrics) ObserveDuration(name string, d time.Duration, labels ...Field) {
	m.mu.Lock()
	h, ok := m.durations[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.durations[name] = h
	}
	m.mu.Unlock()
	h.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(toAttrs(labels)...))
}

func (m *otelMetrics) SetGauge(name string, value float64, labels ...Field) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

// otelTracer adapts the global go.opentelemetry.io/otel TracerProvider to
// Tracer.
type otelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer returns a Tracer backed by the named otel tracer from the
// global TracerProvider (otel.Tracer(scope)).
func NewOtelTracer(scope string) Tracer {
	return &otelTracer{tracer: otel.Tracer(scope)}
}

func (t *otelTracer) StartSpan(ctx context.Context, name string, fields ...Field) (context.Context, func()) {
	spanCtx, span := t.tracer.Start(ctx, name, trace.WithAttributes(toAttrs(fields)...))
	return spanCtx, func() { span.End() }
}
