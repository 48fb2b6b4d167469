// Package provider defines the interface and implementations for
// answer providers walked by the resolution router.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

// Provider answers normalized questions.
type Provider interface {
	// Name returns the provider identifier used in routing chains.
	Name() string
	// Tier returns the cost tier quota gating applies to.
	Tier() model.ProviderTier
	// Answer attempts the question. A successful call with low
	// confidence is not an error; the router decides acceptance.
	Answer(ctx context.Context, q model.NormalizedQuestion) (model.ProviderResult, error)
}

// Registry manages available answer providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
