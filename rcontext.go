package resilience

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Context is the mutable per-request state threaded by reference through
// every handler in a pipeline invocation. Handlers must never replace the
// Context reference itself; they mutate its fields in place via the
// accessor methods below. A Context is created at pipeline entry and
// discarded at exit; hedging is the one stage that forks an independent
// Context per speculative attempt (see policy.HedgingPolicy), sharing only
// the Cancellation token with the original.
type Context struct {
	mu sync.Mutex

	// RequestID correlates log lines and telemetry spans across every
	// retry attempt made on this Context. It is generated by NewContext
	// and never changes; a hedged sibling spawned by Fork gets its own,
	// distinct RequestID.
	RequestID string

	request    *Request
	response   *Response
	retryCount int
	retryDelay time.Duration

	startedAt time.Time
	elapsed   time.Duration

	Cancellation *CancellationToken

	properties map[string]any
}

// NewContext creates a Context for req, starting its wall-clock/monotonic
// clocks now and allocating a fresh CancellationToken if none is supplied.
func NewContext(req *Request, token *CancellationToken) *Context {
	if token == nil {
		token = NewCancellationToken()
	}
	return &Context{
		RequestID:    uuid.NewString(),
		request:      req,
		startedAt:    time.Now(),
		Cancellation: token,
		properties:   map[string]any{},
	}
}

// Request returns the current request.
func (c *Context) Request() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

// UpdateRequest replaces the current request value (not the Context
// itself). Used by stages that rewrite headers or body between attempts.
func (c *Context) UpdateRequest(req *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.request = req
}

// Response returns the response slot, populated by the terminal handler
// or by a short-circuiting stage such as fallback.
func (c *Context) Response() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// SetResponse populates the response slot.
func (c *Context) SetResponse(resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = resp
}

// RetryCount returns the number of attempts made so far; the initial
// attempt is 0.
func (c *Context) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// IncrementRetryCount bumps the attempt counter before each retry
// attempt, per spec: Context.retryCount is updated before each attempt.
func (c *Context) IncrementRetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount++
	return c.retryCount
}

// TotalRetryDelay returns the cumulative back-off delay accumulated so
// far across all retry attempts on this Context.
func (c *Context) TotalRetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryDelay
}

// AddRetryDelay is additive: it accumulates d into the running total
// rather than replacing it.
func (c *Context) AddRetryDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryDelay += d
}

// Elapsed returns the monotonic duration since the Context was created.
func (c *Context) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.startedAt)
}

// StartedAt returns the wall-clock instant the Context was created.
func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

// Property returns a value from the typed property bag used for
// inter-handler communication (e.g. a policy stashing diagnostic data
// for an outer logging stage).
func (c *Context) Property(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.properties[key]
	return v, ok
}

// SetProperty stores a value in the property bag.
func (c *Context) SetProperty(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.properties[key] = value
}

// Fork returns a new Context for a hedged sibling attempt: an
// independent request/response/retryCount/property bag, but sharing the
// same CancellationToken as c, per spec.md §4.7 ("attempts launched
// after the first receive an independent Context sharing the original
// cancellation token").
func (c *Context) Fork() *Context {
	c.mu.Lock()
	req := c.request
	token := c.Cancellation
	c.mu.Unlock()
	return &Context{
		RequestID:    uuid.NewString(),
		request:      req,
		startedAt:    time.Now(),
		Cancellation: token,
		properties:   map[string]any{},
	}
}
