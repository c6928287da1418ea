// Package telemetry wires OpenTelemetry metrics and tracing for the
// resilience pipeline: a Provider owning the SDK meter/tracer providers, a
// MetricInstruments cache turning ad-hoc metric names into lazily created
// OTel instruments, and a small package-level API for emitting
// counters/histograms without plumbing a Provider through every caller.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// attrOptions converts an alternating key/value label slice into
// metric.AddOption attributes, discarding a trailing unpaired key.
func attrOptions(labels []string) []metric.AddOption {
	if len(labels) == 0 {
		return nil
	}
	return []metric.AddOption{metric.WithAttributes(toAttributes(labels)...)}
}

// histOptions is attrOptions' metric.RecordOption counterpart.
func histOptions(labels []string) []metric.RecordOption {
	if len(labels) == 0 {
		return nil
	}
	return []metric.RecordOption{metric.WithAttributes(toAttributes(labels)...)}
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// MetricInstruments holds cached metric instruments for efficient
// recording: the first call for a given name creates the instrument,
// every later call reuses it.
type MetricInstruments struct {
	meter      metric.Meter
	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewMetricInstruments builds an instrument cache backed by the named
// meter from the process-wide OTel MeterProvider (the global no-op
// provider until a Provider installs a real one via otel.SetMeterProvider).
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// RecordCounter increments the named counter by value, creating the
// instrument on first use.
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	counter, err := m.counter(name)
	if err != nil {
		return err
	}
	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records value into the named distribution, creating the
// instrument on first use.
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	histogram, err := m.histogram(name)
	if err != nil {
		return err
	}
	histogram.Record(ctx, value, opts...)
	return nil
}

func (m *MetricInstruments) counter(name string) (metric.Int64Counter, error) {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter %s: %w", name, err)
	}
	m.counters[name] = c
	return c, nil
}

func (m *MetricInstruments) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create histogram %s: %w", name, err)
	}
	m.histograms[name] = h
	return h, nil
}
