package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davianspace/resilience"
)

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("svc-a")
	cfg.FailureThreshold = 2
	cb := NewCircuitBreakerPolicy(cfg)

	fail := func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, errors.New("boom")
	}

	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(context.Background(), newRC(), fail); err == nil {
			t.Fatalf("expected failure at attempt %d", i+1)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen after %d consecutive failures, got %s", cfg.FailureThreshold, cb.GetState())
	}

	_, err := cb.Execute(context.Background(), newRC(), fail)
	var openErr *resilience.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError while open, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("svc-b")
	cfg.FailureThreshold = 1
	cfg.BreakDuration = 10 * time.Millisecond
	cfg.SuccessThreshold = 1
	cb := NewCircuitBreakerPolicy(cfg)

	_, _ = cb.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, errors.New("boom")
	})
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after single failure with threshold 1, got %s", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	resp, err := cb.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected the probe to succeed, got resp=%v err=%v", resp, err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after a successful probe, got %s", cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenProbeReopensOnFailure(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("svc-c")
	cfg.FailureThreshold = 1
	cfg.BreakDuration = 10 * time.Millisecond
	cb := NewCircuitBreakerPolicy(cfg)

	boom := func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, errors.New("boom")
	}
	_, _ = cb.Execute(context.Background(), newRC(), boom)
	time.Sleep(20 * time.Millisecond)
	_, _ = cb.Execute(context.Background(), newRC(), boom)

	if cb.GetState() != StateOpen {
		t.Fatalf("expected a failed probe to reopen the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreakerOnlyOneProbeAdmittedConcurrently(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("svc-d")
	cfg.FailureThreshold = 1
	cfg.BreakDuration = 10 * time.Millisecond
	cb := NewCircuitBreakerPolicy(cfg)
	_, _ = cb.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, errors.New("boom")
	})
	time.Sleep(20 * time.Millisecond)

	admitted := make(chan bool, 5)
	var wg chanWaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cb.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
				time.Sleep(5 * time.Millisecond)
				return resilience.NewBufferedResponse(200, nil, nil), nil
			})
			admitted <- err == nil
		}()
	}
	wg.Wait()
	close(admitted)

	successes := 0
	for ok := range admitted {
		if ok {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 admitted half-open probe, got %d", successes)
	}
}

func TestCircuitBreakerForceOpenRejectsUntilCleared(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("svc-e")
	cb := NewCircuitBreakerPolicy(cfg)

	cb.ForceOpen()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected ForceOpen to transition to open, got %s", cb.GetState())
	}

	_, err := cb.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	var openErr *resilience.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected calls to be rejected while force-open, got %v", err)
	}

	cb.ClearForce()
	_, err = cb.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	if err != nil {
		t.Fatalf("expected calls to be admitted once the force override is cleared, got %v", err)
	}
}

func TestCircuitBreakerForceClosedAdmitsDespiteFailures(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("svc-f")
	cfg.FailureThreshold = 1
	cb := NewCircuitBreakerPolicy(cfg)

	boom := func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, errors.New("boom")
	}
	_, _ = cb.Execute(context.Background(), newRC(), boom)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected the circuit to trip before forcing closed, got %s", cb.GetState())
	}

	cb.ForceClosed()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected ForceClosed to transition to closed, got %s", cb.GetState())
	}

	_, err := cb.Execute(context.Background(), newRC(), boom)
	var openErr *resilience.CircuitOpenError
	if errors.As(err, &openErr) {
		t.Fatal("expected calls to be admitted while force-closed even after another failure")
	}
}

func TestCircuitBreakerCleanupOrphanedRequestsFreesStaleProbe(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("svc-g")
	cfg.FailureThreshold = 1
	cfg.BreakDuration = 10 * time.Millisecond
	cb := NewCircuitBreakerPolicy(cfg)

	_, _ = cb.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, errors.New("boom")
	})
	time.Sleep(20 * time.Millisecond)

	admitted, _, _ := cb.tryAdmit()
	if !admitted {
		t.Fatal("expected the first post-break call to be admitted as the half-open probe")
	}

	if cleared := cb.CleanupOrphanedRequests(0); cleared != 1 {
		t.Fatalf("expected CleanupOrphanedRequests to free the claimed probe slot, got %d", cleared)
	}

	admitted, isProbe, _ := cb.tryAdmit()
	if !admitted || !isProbe {
		t.Fatalf("expected a new probe to be admitted after cleanup, got admitted=%v isProbe=%v", admitted, isProbe)
	}
}

func TestCircuitBreakerRegistrySharesInstanceByName(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	a := reg.GetOrCreate(DefaultCircuitBreakerConfig("shared"))
	b := reg.GetOrCreate(DefaultCircuitBreakerConfig("shared"))
	if a != b {
		t.Fatal("expected GetOrCreate to return the same instance for the same name")
	}
	if got, ok := reg.Get("shared"); !ok || got != a {
		t.Fatal("expected Get to find the registered circuit")
	}
	if _, ok := reg.Get("absent"); ok {
		t.Fatal("expected Get to report absent circuits as not found")
	}
}

func TestCircuitBreakerRegistryNamesSorted(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	reg.GetOrCreate(DefaultCircuitBreakerConfig("zeta"))
	reg.GetOrCreate(DefaultCircuitBreakerConfig("alpha"))
	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %v", names)
	}
}

// chanWaitGroup avoids importing sync just for this test file's small
// fan-out, mirroring the teacher's preference for the narrowest
// synchronization primitive that fits.
type chanWaitGroup struct {
	done chan struct{}
	n    int
}

func (w *chanWaitGroup) Add(n int) {
	if w.done == nil {
		w.done = make(chan struct{}, 64)
	}
	w.n += n
}

func (w *chanWaitGroup) Done() { w.done <- struct{}{} }

func (w *chanWaitGroup) Wait() {
	for i := 0; i < w.n; i++ {
		<-w.done
	}
}
