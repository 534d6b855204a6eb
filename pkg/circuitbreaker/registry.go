package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry holds one breaker per dependency name. It is created at startup
// and passed to every client that guards an external call.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it with the registry config on
// first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.cfg)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	return cb, ok
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		cb, _ := r.Lookup(name)
		out = append(out, cb.Snapshot())
	}
	return out
}
