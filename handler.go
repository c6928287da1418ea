package resilience

import "context"

// Handler is the pipeline's unit of composition: anything that can turn
// a Context into a Response or fail trying. Implementations must be
// re-entrant across concurrent Send calls — per-instance state (a
// semaphore, a circuit-breaker name) is fine, per-request state must
// live only on the passed Context.
type Handler interface {
	Send(ctx context.Context, rc *Context) (*Response, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc *Context) (*Response, error)

func (f HandlerFunc) Send(ctx context.Context, rc *Context) (*Response, error) {
	return f(ctx, rc)
}

// DelegatingHandler is a Handler that forwards to an inner Handler it
// owns. The inner reference is set exactly once, after construction, via
// SetInner; calling Inner before SetInner panics with ErrUnboundInner,
// per spec.md §4.1 ("reading it before it is set is a programming
// error").
type DelegatingHandler struct {
	inner Handler
	bound bool
}

// SetInner binds the inner handler. Calling it a second time panics:
// rebinding silently would let a policy's composition position change
// underneath already-built pipelines.
func (d *DelegatingHandler) SetInner(inner Handler) {
	if d.bound {
		panic("resilience: inner handler already bound")
	}
	d.inner = inner
	d.bound = true
}

// Inner returns the bound inner handler, panicking with ErrUnboundInner
// if SetInner has not yet been called.
func (d *DelegatingHandler) Inner() Handler {
	if !d.bound {
		panic(ErrUnboundInner)
	}
	return d.inner
}

// noopTerminal is the implicit "always-200" terminal appended when the
// final element of a chain is a DelegatingHandler with no inner bound,
// per spec.md §4.1.
type noopTerminal struct{}

func (noopTerminal) Send(ctx context.Context, rc *Context) (*Response, error) {
	return NewBufferedResponse(200, nil, nil), nil
}

// innerBinder is satisfied by any handler embedding DelegatingHandler,
// policy handlers included: embedding promotes SetInner to the outer
// type, so the chain wiring below asserts against this interface rather
// than the concrete *DelegatingHandler type.
type innerBinder interface {
	SetInner(Handler)
}

// Chain wires handlers[0].inner = handlers[1], handlers[1].inner =
// handlers[2], …, and the last element's inner = terminal. Every element
// of handlers except possibly the last must embed DelegatingHandler; the
// function panics otherwise, matching the pipeline invariant that every
// non-terminal slot delegates. If terminal is nil and the last handler in
// the chain embeds DelegatingHandler, an implicit no-op terminal is
// bound so Inner() never panics at request time.
func Chain(handlers []Handler, terminal Handler) Handler {
	if len(handlers) == 0 {
		if terminal != nil {
			return terminal
		}
		return noopTerminal{}
	}
	for i := 0; i < len(handlers)-1; i++ {
		dh, ok := handlers[i].(innerBinder)
		if !ok {
			panic("resilience: every non-terminal pipeline slot must embed DelegatingHandler")
		}
		dh.SetInner(handlers[i+1])
	}
	last := handlers[len(handlers)-1]
	if dh, ok := last.(innerBinder); ok {
		if terminal == nil {
			terminal = noopTerminal{}
		}
		dh.SetInner(terminal)
	}
	return handlers[0]
}

// TerminalHandler performs the actual I/O at the end of a pipeline. It is
// the pluggable send(Request, Context) -> Response|Error primitive
// described in spec.md §6; this package specifies only its interface; the
// underlying HTTP transport is an external collaborator.
type TerminalHandler interface {
	Handler
}

// TerminalHandlerFunc adapts a plain function to TerminalHandler.
type TerminalHandlerFunc func(ctx context.Context, rc *Context) (*Response, error)

func (f TerminalHandlerFunc) Send(ctx context.Context, rc *Context) (*Response, error) {
	return f(ctx, rc)
}
