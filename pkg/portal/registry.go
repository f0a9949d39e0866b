package portal

import (
	"sort"
	"sync"

	porterr "github.com/kestrelhq/portico/pkg/errors"
)

// Registry holds the configured adapters keyed by integration id.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same integration twice replaces
// the earlier adapter.
func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Integration()] = adapter
}

// Get returns the adapter for an integration.
func (r *Registry) Get(integration string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[integration]
	if !ok {
		return nil, porterr.Newf(porterr.KindNotConfigured, "no adapter registered for integration %q", integration)
	}
	return adapter, nil
}

// Integrations returns the registered integration ids, sorted.
func (r *Registry) Integrations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
