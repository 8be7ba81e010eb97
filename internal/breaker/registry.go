package breaker

import (
	"context"
	"sync"
	"time"
)

// Registry hands out named breakers that share one set of defaults.
// Breakers are created lazily on first use so callers never need to
// pre-declare their dependencies.
type Registry struct {
	defaults Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the given defaults.
// The Name field of the defaults is ignored; each breaker gets its own.
func NewRegistry(defaults Config) (*Registry, error) {
	if err := defaults.validate(); err != nil {
		return nil, err
	}
	if defaults.Clock == nil {
		defaults.Clock = time.Now
	}
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}, nil
}

// Get returns the breaker for the named dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	cfg.Name = name
	// Defaults were validated in NewRegistry, so this cannot fail.
	b, _ := New(cfg)
	r.breakers[name] = b
	return b
}

// Call runs fn under the named breaker's protection.
func (r *Registry) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Call(ctx, fn)
}

// IsOpen reports whether the named breaker currently fails fast. A breaker
// that was never used is closed.
func (r *Registry) IsOpen(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return b.IsOpen()
}

// ResetAll force-closes every breaker. Administrative use only.
func (r *Registry) ResetAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()

	for _, b := range all {
		b.Reset(ctx)
	}
}

// States returns a snapshot of every known breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
