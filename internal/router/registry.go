package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Backend is an AI service the router can pick models from.
type Backend interface {
	Name() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	HealthCheck(ctx context.Context) error
}

// Registry holds backends in registration order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	backends map[string]Backend
}

// NewRegistry builds a registry, failing on duplicate names.
func NewRegistry(backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a backend. Names are case-insensitive and must be unique.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return fmt.Errorf("register backend: nil backend")
	}
	key := normalizeName(b.Name())
	if key == "" {
		return fmt.Errorf("register backend: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[key]; exists {
		return fmt.Errorf("register backend: duplicate name %q", b.Name())
	}
	r.backends[key] = b
	r.order = append(r.order, key)
	return nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[normalizeName(name)]
	return b, ok
}

// Backends returns a snapshot in registration order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.backends[key])
	}
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
