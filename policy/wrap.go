package policy

import (
	"context"

	"github.com/davianspace/resilience"
)

// ExecuteFormPolicy is the shared transport-agnostic contract every
// policy in this package satisfies: wrap an Action, returning its
// result or an error.
type ExecuteFormPolicy interface {
	Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error)
}

// PolicyWrap composes a sequence of execute-form policies outer to
// inner, per spec.md §4.10: wrap([P1,...,Pn]).execute(action) is
// P1.execute(() => P2.execute(() => ... => Pn.execute(action))).
type PolicyWrap struct {
	policies []ExecuteFormPolicy
}

// Wrap builds a PolicyWrap from policies ordered outermost-first.
// Passing zero policies yields a wrap whose Execute is just the action
// itself.
func Wrap(policies ...ExecuteFormPolicy) *PolicyWrap {
	return &PolicyWrap{policies: policies}
}

// Execute runs action through every composed policy, outer to inner.
func (w *PolicyWrap) Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	return w.executeFrom(0, ctx, rc, action)
}

func (w *PolicyWrap) executeFrom(i int, ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	if i >= len(w.policies) {
		return action(ctx, rc)
	}
	return w.policies[i].Execute(ctx, rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return w.executeFrom(i+1, ctx, rc, action)
	})
}

// AsHandler adapts the wrap into a resilience.Handler whose Send calls
// terminal as the innermost action, so a *PolicyWrap can itself be used
// as a pipeline entry point without going through resilience.Chain.
func (w *PolicyWrap) AsHandler(terminal resilience.Handler) resilience.Handler {
	return resilience.HandlerFunc(func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return w.Execute(ctx, rc, func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
			return terminal.Send(ctx, rc)
		})
	})
}
