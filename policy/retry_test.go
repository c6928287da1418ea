package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davianspace/resilience"
)

func newRC() *resilience.Context {
	return resilience.NewContext(resilience.NewRequest(resilience.MethodGet, "/"), nil)
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	p := NewRetryPolicy(&RetryConfig{MaxRetries: 3, Backoff: BackoffNone})
	attempts := 0
	resp, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		attempts++
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	p := NewRetryPolicy(&RetryConfig{MaxRetries: 3, Backoff: BackoffNone})
	attempts := 0
	resp, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		attempts++
		if attempts < 3 {
			return resilience.NewBufferedResponse(503, nil, nil), nil
		}
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if resp.StatusCode != 200 || attempts != 3 {
		t.Fatalf("expected 3 attempts ending in 200, got %d attempts, status %d", attempts, resp.StatusCode)
	}
}

func TestRetryExhaustionReturnsRetryExhaustedError(t *testing.T) {
	p := NewRetryPolicy(&RetryConfig{MaxRetries: 2, Backoff: BackoffNone})
	attempts := 0
	_, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		attempts++
		return resilience.NewBufferedResponse(500, nil, nil), nil
	})
	var exhausted *resilience.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if exhausted.AttemptsMade != 3 {
		t.Fatalf("expected 3 total attempts (1 original + 2 retries), got %d", exhausted.AttemptsMade)
	}
	if attempts != 3 {
		t.Fatalf("expected action called 3 times, got %d", attempts)
	}
}

func TestRetryDoesNotRetryPermanentFailure(t *testing.T) {
	p := NewRetryPolicy(&RetryConfig{MaxRetries: 3, Backoff: BackoffNone})
	attempts := 0
	resp, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		attempts++
		return resilience.NewBufferedResponse(404, nil, nil), nil
	})
	if err != nil {
		t.Fatalf("expected no error (permanent failures pass through), got %v", err)
	}
	if resp.StatusCode != 404 || attempts != 1 {
		t.Fatalf("expected single attempt returning 404, got %d attempts, status %d", attempts, resp.StatusCode)
	}
}

func TestRetryRespectsShouldRetryOverride(t *testing.T) {
	p := NewRetryPolicy(&RetryConfig{
		MaxRetries: 3,
		Backoff:    BackoffNone,
		ShouldRetry: func(resp *resilience.Response, err error) bool {
			return false
		},
	})
	attempts := 0
	_, err := p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		attempts++
		return resilience.NewBufferedResponse(500, nil, nil), nil
	})
	if err != nil {
		t.Fatalf("ShouldRetry=false should pass the first outcome through unchanged, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestRetryHonorsRetryAfterHeader(t *testing.T) {
	p := NewRetryPolicy(&RetryConfig{
		MaxRetries:              1,
		Backoff:                 BackoffNone,
		RespectRetryAfterHeader: true,
	})
	attempts := 0
	start := time.Now()
	_, _ = p.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		attempts++
		if attempts == 1 {
			return resilience.NewBufferedResponse(503, resilience.Header{"retry-after": "1"}, nil), nil
		}
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	elapsed := time.Since(start)
	if elapsed < 900*time.Millisecond {
		t.Fatalf("expected retry to honor a 1s Retry-After delay, elapsed only %s", elapsed)
	}
}

func TestRetryCancellationStopsImmediately(t *testing.T) {
	p := NewRetryPolicy(&RetryConfig{MaxRetries: 5, Backoff: BackoffConstant, Base: 50 * time.Millisecond})
	rc := newRC()
	rc.Cancellation.Cancel("test")
	_, err := p.Execute(context.Background(), rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		t.Fatal("action must not run once the token is already cancelled")
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
}
