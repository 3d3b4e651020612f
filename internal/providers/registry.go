package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrProviderNotFound is returned when a request names an unknown provider.
var ErrProviderNotFound = errors.New("provider not found")

// Registry holds the configured providers keyed by id, with one marked
// as the default.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaultID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under its ID. The first registered provider becomes the
// default until SetDefault overrides it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaultID == "" {
		r.defaultID = p.ID()
	}
}

// SetDefault marks id as the default provider.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("set default %q: %w", id, ErrProviderNotFound)
	}
	r.defaultID = id
	return nil
}

// Get returns the provider registered under id; an empty id returns the
// default.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, ErrProviderNotFound)
	}
	return p, nil
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	return r.Get("")
}

// IDs lists the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
