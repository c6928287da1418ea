package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/davianspace/resilience"
)

func TestFallbackPassesThroughOnSuccess(t *testing.T) {
	p := NewFallbackPolicy(&FallbackConfig{
		Fallback: func(rc *resilience.Context, cause error) (*resilience.Response, error) {
			t.Fatal("fallback action must not run on success")
			return nil, nil
		},
	})
	resp, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected success to pass through, got resp=%v err=%v", resp, err)
	}
}

func TestFallbackTriggersOnAnyErrorByDefault(t *testing.T) {
	p := NewFallbackPolicy(&FallbackConfig{
		Fallback: func(rc *resilience.Context, cause error) (*resilience.Response, error) {
			return resilience.NewBufferedResponse(200, nil, []byte("substitute")), nil
		},
	})
	resp, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("expected the substitute response, got err=%v", err)
	}
	if resp == nil || resp.StatusCode != 200 {
		t.Fatalf("expected the fallback's substitute response, got %v", resp)
	}
}

func TestFallbackShouldHandlePredicateDecliningRethrowsOriginalError(t *testing.T) {
	original := errors.New("boom")
	p := NewFallbackPolicy(&FallbackConfig{
		ShouldHandle: func(resp *resilience.Response, err error, rc *resilience.Context) bool {
			return false
		},
		Fallback: func(rc *resilience.Context, cause error) (*resilience.Response, error) {
			t.Fatal("fallback action must not run when ShouldHandle declines")
			return nil, nil
		},
	})
	_, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, original
	})
	if !errors.Is(err, original) {
		t.Fatalf("expected the original error to propagate unchanged, got %v", err)
	}
}

func TestFallbackShouldHandlePredicateTriggersOnStatusCode(t *testing.T) {
	p := NewFallbackPolicy(&FallbackConfig{
		ShouldHandle: func(resp *resilience.Response, err error, rc *resilience.Context) bool {
			return resp != nil && resp.StatusCode == 503
		},
		Fallback: func(rc *resilience.Context, cause error) (*resilience.Response, error) {
			return resilience.NewBufferedResponse(200, nil, nil), nil
		},
	})
	resp, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return resilience.NewBufferedResponse(503, nil, nil), nil
	})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected the fallback substitute for a 503, got resp=%v err=%v", resp, err)
	}
}

func TestFallbackOnFallbackPanicIsSwallowed(t *testing.T) {
	p := NewFallbackPolicy(&FallbackConfig{
		OnFallback: func(rc *resilience.Context, cause error) {
			panic("observer exploded")
		},
		Fallback: func(rc *resilience.Context, cause error) (*resilience.Response, error) {
			return resilience.NewBufferedResponse(200, nil, nil), nil
		},
	})
	resp, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return nil, errors.New("boom")
	})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected a panicking OnFallback to not affect the result, got resp=%v err=%v", resp, err)
	}
}
