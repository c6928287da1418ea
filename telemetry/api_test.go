package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestCounterAndHistogramAreNoOpsWithoutAProvider(t *testing.T) {
	SetGlobalProvider(nil)
	Counter("resilience.test.counter", "policy", "retry")
	Histogram("resilience.test.histogram", 12.5)
	Duration("resilience.test.duration_ms", time.Now())
}

func TestCounterRecordsThroughGlobalProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), "api-test-service", "", true)
	if err != nil {
		t.Fatalf("expected provider construction to succeed, got %v", err)
	}
	defer p.Shutdown(context.Background())

	SetGlobalProvider(p)
	defer SetGlobalProvider(nil)

	Counter("resilience.test.requests", "circuit_breaker", "demo")
	Count("resilience.test.requests", 3)
	Histogram("resilience.test.latency_ms", 42.0, "result", "success")
}

func TestMetricInstrumentsCachesByName(t *testing.T) {
	m := NewMetricInstruments("cache-test")
	if err := m.RecordCounter(context.Background(), "cached.counter", 1); err != nil {
		t.Fatalf("expected the first record to create the instrument, got %v", err)
	}
	if err := m.RecordCounter(context.Background(), "cached.counter", 1); err != nil {
		t.Fatalf("expected the second record to reuse the cached instrument, got %v", err)
	}
	if _, ok := m.counters["cached.counter"]; !ok {
		t.Fatal("expected the counter to be cached by name")
	}
}
