package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Sternrassler/chainfetch/pkg/client"
	"github.com/Sternrassler/chainfetch/pkg/fault"
)

// Config describes one configured source instance.
type Config struct {
	// Name identifies the instance.
	Name string `mapstructure:"name"`

	// Kind selects the registered factory.
	Kind string `mapstructure:"kind"`

	// Settings holds kind-specific options.
	Settings map[string]string `mapstructure:"settings"`
}

// Factory builds a source from its configuration and the client it should
// use for remote calls.
type Factory[C any] func(cfg Config, c *client.Client) (Source[C], error)

// Registry maps source kinds to factories. It is populated once at startup.
type Registry[C any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[C]
}

// NewRegistry creates an empty registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{factories: make(map[string]Factory[C])}
}

// Register adds a factory for kind. Registering a kind twice is an error.
func (r *Registry[C]) Register(kind string, f Factory[C]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("source kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Build constructs the source described by cfg.
func (r *Registry[C]) Build(cfg Config, c *client.Client) (Source[C], error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fault.Config("source.kind", fmt.Sprintf("unknown source kind %q", cfg.Kind))
	}
	return f(cfg, c)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry[C]) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
