package policy

import (
	"context"
	"testing"

	"github.com/davianspace/resilience"
)

// orderingPolicy records its name on entry and exit, letting a test
// assert the outer-to-inner call order PolicyWrap promises.
type orderingPolicy struct {
	name string
	log  *[]string
}

func (p orderingPolicy) Execute(ctx context.Context, rc *resilience.Context, action Action) (*resilience.Response, error) {
	*p.log = append(*p.log, "enter:"+p.name)
	resp, err := action(ctx, rc)
	*p.log = append(*p.log, "exit:"+p.name)
	return resp, err
}

func TestWrapComposesOuterToInner(t *testing.T) {
	var log []string
	w := Wrap(
		orderingPolicy{name: "a", log: &log},
		orderingPolicy{name: "b", log: &log},
		orderingPolicy{name: "c", log: &log},
	)

	resp, err := w.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		log = append(log, "terminal")
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected success, got resp=%v err=%v", resp, err)
	}

	want := []string{"enter:a", "enter:b", "enter:c", "terminal", "exit:c", "exit:b", "exit:a"}
	if len(log) != len(want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, log)
		}
	}
}

func TestWrapWithNoPoliciesRunsActionDirectly(t *testing.T) {
	w := Wrap()
	resp, err := w.Execute(context.Background(), newRC(), func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return resilience.NewBufferedResponse(200, nil, nil), nil
	})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected the bare action to run, got resp=%v err=%v", resp, err)
	}
}

func TestWrapAsHandlerInvokesTerminal(t *testing.T) {
	w := Wrap()
	terminal := resilience.HandlerFunc(func(ctx context.Context, rc *resilience.Context) (*resilience.Response, error) {
		return resilience.NewBufferedResponse(201, nil, nil), nil
	})
	handler := w.AsHandler(terminal)
	resp, err := handler.Send(context.Background(), newRC())
	if err != nil || resp.StatusCode != 201 {
		t.Fatalf("expected the terminal's response, got resp=%v err=%v", resp, err)
	}
}
