package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davianspace/resilience"
)

// ShouldHedgePredicate decides whether a response is a winner. Returning
// true means "not a winner, keep hedging"; the zero value (nil) falls
// back to resp.IsSuccess() meaning a winner.
type ShouldHedgePredicate func(resp *resilience.Response, rc *resilience.Context) bool

// HedgingConfig configures a HedgingPolicy.
type HedgingConfig struct {
	HedgeAfter        time.Duration
	MaxHedgedAttempts int // additional attempts beyond the original, >= 1

	ShouldHedge ShouldHedgePredicate
	OnHedge     func(attempt int)
	Hub         *resilience.EventHub

	Logger resilience.Logger
}

func DefaultHedgingConfig() *HedgingConfig {
	return &HedgingConfig{
		HedgeAfter:        100 * time.Millisecond,
		MaxHedgedAttempts: 1,
		Logger:            resilience.NoOpLogger{},
	}
}

func (c *HedgingConfig) logger() resilience.Logger {
	if c.Logger == nil {
		return resilience.NoOpLogger{}
	}
	return c.Logger
}

// isWinner reports whether resp should resolve the hedge race.
func (c *HedgingConfig) isWinner(resp *resilience.Response, rc *resilience.Context) bool {
	if c.ShouldHedge != nil {
		return !c.ShouldHedge(resp, rc)
	}
	return resp != nil && resp.IsSuccess()
}

// HedgingPolicy reduces tail latency by launching speculative duplicate
// attempts. Hedging issues identical repeated requests: it is for
// idempotent verbs only, per spec.md §4.7.
type HedgingPolicy struct {
	cfg *HedgingConfig
}

func NewHedgingPolicy(cfg *HedgingConfig) *HedgingPolicy {
	if cfg == nil {
		cfg = DefaultHedgingConfig()
	}
	if cfg.MaxHedgedAttempts < 1 {
		cfg.MaxHedgedAttempts = 1
	}
	return &HedgingPolicy{cfg: cfg}
}

type hedgeAttempt struct {
	n    int
	resp *resilience.Response
	err  error
}

// Execute runs action as attempt 1 immediately, then races a
// cfg.HedgeAfter timer against "a winner has been found" before firing
// each subsequent attempt, per spec.md §4.7's algorithm. A
// golang.org/x/sync/errgroup.Group supervises the concurrent attempts:
// its shared, cancellable context is what each attempt's Context.Fork
// observes indirectly via the group's ctx, and g.Wait() is how Execute
// waits for every in-flight attempt to finish unwinding once a winner
// is chosen or all attempts are exhausted.
func (p *HedgingPolicy) Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	g, gctx := errgroup.WithContext(ctx)

	results := make(chan hedgeAttempt, p.cfg.MaxHedgedAttempts+1)
	winner := make(chan hedgeAttempt, 1)
	stopScheduling := make(chan struct{})
	var winnerOnce sync.Once
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopScheduling) }) }
	var launched atomic.Int32
	launched.Store(1)

	launch := func(n int, attemptCtx *resilience.Context) {
		g.Go(func() error {
			resp, err := action(gctx, attemptCtx)
			results <- hedgeAttempt{n, resp, err}
			if err == nil && p.cfg.isWinner(resp, attemptCtx) {
				winnerOnce.Do(func() {
					winner <- hedgeAttempt{n, resp, err}
					stop()
				})
			}
			return nil
		})
	}

	launch(1, rc)

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		for i := 2; i <= p.cfg.MaxHedgedAttempts+1; i++ {
			timer := time.NewTimer(p.cfg.HedgeAfter)
			select {
			case <-stopScheduling:
				timer.Stop()
				return
			case <-timer.C:
				attemptCtx := rc.Fork()
				launched.Add(1)
				p.cfg.logger().Debug("launching hedged attempt", map[string]any{
					"component": "resilience/hedging",
					"attempt":   i,
				})
				if p.cfg.OnHedge != nil {
					p.cfg.OnHedge(i)
				}
				p.emitHedge(i)
				launch(i, attemptCtx)
			case <-gctx.Done():
				timer.Stop()
				return
			}
		}
	}()

	select {
	case w := <-winner:
		go func() { <-schedulerDone; _ = g.Wait() }()
		return w.resp, w.err
	case <-gctx.Done():
		stop()
		<-schedulerDone
		_ = g.Wait()
		return nil, gctx.Err()
	case <-waitAll(g, schedulerDone):
		stop()
		return p.resolveNoWinner(results, int(launched.Load()))
	}
}

// waitAll blocks until the scheduler goroutine has stopped issuing new
// attempts and every launched attempt has returned, in that order: the
// scheduler must quiesce first so no g.Go call can race a g.Wait that
// has already started returning.
func waitAll(g *errgroup.Group, schedulerDone <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-schedulerDone
		_ = g.Wait()
		close(done)
	}()
	return done
}

// resolveNoWinner implements step 5 of spec.md §4.7: if every attempt
// raised, return *resilience.HedgingError; otherwise return the most
// recent non-winning response.
func (p *HedgingPolicy) resolveNoWinner(results chan hedgeAttempt, launched int) (*resilience.Response, error) {
	close(results)
	var lastResp *resilience.Response
	var lastErr error
	attempts := 0
	for r := range results {
		attempts++
		if r.err != nil {
			lastErr = r.err
			continue
		}
		lastResp = r.resp
	}
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, &resilience.HedgingError{AttemptsMade: attempts, LastCause: lastErr}
}

func (p *HedgingPolicy) emitHedge(attempt int) {
	if p.cfg.Hub == nil {
		return
	}
	p.cfg.Hub.Emit(resilience.Event{
		Kind:   resilience.EventHedging,
		Fields: map[string]any{"attempt": attempt},
	})
}

// HedgingHandler adapts HedgingPolicy to the pipeline.
type HedgingHandler struct {
	resilience.DelegatingHandler
	policy *HedgingPolicy
}

func NewHedgingHandler(cfg *HedgingConfig) *HedgingHandler {
	return &HedgingHandler{policy: NewHedgingPolicy(cfg)}
}

func (h *HedgingHandler) Send(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
	inner := h.Inner()
	return h.policy.Execute(ctx, rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return inner.Send(ctx, rc)
	})
}
