// Package registry stores named constructors for swappable backends.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps backend names to constructors. Names are case-insensitive.
type Registry[C any] struct {
	mu    sync.RWMutex
	items map[string]C
}

// New allocates an empty registry.
func New[C any]() *Registry[C] {
	return &Registry[C]{items: make(map[string]C)}
}

// Register adds a constructor under name.
func (r *Registry[C]) Register(name string, constructor C) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("registry: backend name required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalize(name)
	if _, exists := r.items[key]; exists {
		return fmt.Errorf("registry: backend %s already registered", name)
	}
	r.items[key] = constructor
	return nil
}

// Get fetches a constructor by name.
func (r *Registry[C]) Get(name string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.items[normalize(name)]
	return c, ok
}

// Names returns the sorted registered names.
func (r *Registry[C]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
