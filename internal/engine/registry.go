package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrDuplicateEngine indicates an engine name is already registered.
var ErrDuplicateEngine = errors.New("engine already registered")

// ErrNoEngine indicates no registered engine matches the preference list.
var ErrNoEngine = errors.New("no engine available")

// Registry keeps engines by normalized name, remembering registration order.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register stores an engine under its Name().
func (r *Registry) Register(e Engine) error {
	if e == nil {
		return errors.New("engine required")
	}
	key := normalizeKey(e.Name())
	if key == "" {
		return errors.New("engine name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEngine, key)
	}
	r.engines[key] = e
	r.order = append(r.order, key)
	return nil
}

// MustRegister panics on registration failure.
func (r *Registry) MustRegister(e Engine) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Fetch retrieves an engine by name.
func (r *Registry) Fetch(name string) (Engine, bool) {
	key := normalizeKey(name)
	if key == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[key]
	return e, ok
}

// Names returns registered engine names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select returns the first registered engine named in preference. An empty
// preference selects the earliest registered engine.
func (r *Registry) Select(preference []string) (Engine, error) {
	for _, name := range preference {
		if e, ok := r.Fetch(name); ok {
			return e, nil
		}
	}
	if len(preference) > 0 {
		return nil, fmt.Errorf("%w: none of %v registered", ErrNoEngine, preference)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, ErrNoEngine
	}
	return r.engines[r.order[0]], nil
}

// Snapshot returns registration status for a list of engine names.
func (r *Registry) Snapshot(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		key := normalizeKey(name)
		if key == "" {
			continue
		}
		if _, ok := r.Fetch(key); ok {
			out[key] = "registered"
		} else {
			out[key] = "missing"
		}
	}
	return out
}

var defaultRegistry = NewRegistry()

func init() {
	defaultRegistry.MustRegister(NewIdentity())
}

// Default returns the process-wide registry. The identity engine is always present.
func Default() *Registry {
	return defaultRegistry
}

// Register stores an engine in the default registry.
func Register(e Engine) error {
	return defaultRegistry.Register(e)
}

// MustRegister panics on registration failure.
func MustRegister(e Engine) {
	defaultRegistry.MustRegister(e)
}

// Fetch retrieves an engine from the default registry.
func Fetch(name string) (Engine, bool) {
	return defaultRegistry.Fetch(name)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
