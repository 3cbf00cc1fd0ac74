package breaker

import (
	"log/slog"
	"sync"
)

// Registry hands out one shared breaker per external dependency name so that
// every caller hitting the same dependency feeds the same state machine.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers all use cfg.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshot returns the current state of every registered breaker, keyed by
// dependency name.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
