package telemetry

import (
	"context"
	"testing"
)

func TestNewProviderStdoutMode(t *testing.T) {
	p, err := NewProvider(context.Background(), "test-service", "", true)
	if err != nil {
		t.Fatalf("expected a stdout provider to build without a collector, got %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer() == nil {
		t.Fatal("expected a non-nil tracer")
	}
	if p.Metrics() == nil {
		t.Fatal("expected a non-nil metrics instrument cache")
	}

	if err := p.Metrics().RecordCounter(context.Background(), "test.counter", 1); err != nil {
		t.Fatalf("expected recording a counter to succeed, got %v", err)
	}
}

func TestNewProviderRejectsEmptyServiceName(t *testing.T) {
	_, err := NewProvider(context.Background(), "", "", true)
	if err == nil {
		t.Fatal("expected an empty service name to be rejected")
	}
}

func TestProviderShutdownIsIdempotent(t *testing.T) {
	p, err := NewProvider(context.Background(), "test-service-shutdown", "", true)
	if err != nil {
		t.Fatalf("expected provider construction to succeed, got %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected the first shutdown to succeed, got %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected a second shutdown to be a no-op, got %v", err)
	}
}
