package policy

import (
	"sort"
	"sync"
)

// CircuitBreakerRegistry holds CircuitBreakerPolicy instances by name, so
// every handler and execute-form policy referencing the same circuit name
// observes the same CircuitBreakerState, per spec.md §3's "CircuitBreakerState
// ... shared across all handlers ... via a CircuitBreakerRegistry" and the
// arena-style resolution DESIGN NOTE in spec.md §9. It lives in this
// package rather than the root one because its values are
// *CircuitBreakerPolicy, an L4 policy type the root package must not
// import.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	circuits map[string]*CircuitBreakerPolicy
}

// NewCircuitBreakerRegistry returns an empty registry. Construct a fresh
// instance per test or per component to avoid cross-test pollution, per
// spec.md §9.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{circuits: make(map[string]*CircuitBreakerPolicy)}
}

// DefaultCircuitBreakerRegistry is the process-wide default instance.
var DefaultCircuitBreakerRegistry = NewCircuitBreakerRegistry()

// GetOrCreate returns the circuit named cfg.Name, creating it from cfg on
// first reference. Later calls with a different cfg for the same name do
// not reconfigure the existing instance.
func (r *CircuitBreakerRegistry) GetOrCreate(cfg *CircuitBreakerConfig) *CircuitBreakerPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.circuits[cfg.Name]; ok {
		return cb
	}
	cb := NewCircuitBreakerPolicy(cfg)
	r.circuits[cfg.Name] = cb
	return cb
}

// Get returns the circuit named name, if one has been created.
func (r *CircuitBreakerRegistry) Get(name string) (*CircuitBreakerPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.circuits[name]
	return cb, ok
}

// Names returns every registered circuit name, sorted.
func (r *CircuitBreakerRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes every registered circuit.
func (r *CircuitBreakerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits = make(map[string]*CircuitBreakerPolicy)
}
