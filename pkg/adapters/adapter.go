// Package adapters defines the SourceAdapter contract the resilience core
// consumes and the registry that maps source ids to adapter values. Domain
// ingestion clients (statistical APIs, scientific APIs, brokers) implement
// SourceAdapter elsewhere; the core only sees this interface.
package adapters

import (
	"context"
	"sync"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
)

// SourceAdapter is one upstream data provider. The core calls Fetch under
// circuit-breaker and rate-limiter guards; adapters must not implement their
// own retries or circuit logic.
type SourceAdapter interface {
	// Config returns the immutable source configuration
	Config() models.SourceConfig
	// Fetch performs one upstream call. It must respect ctx cancellation
	// and deadlines.
	Fetch(ctx context.Context, params map[string]interface{}) (*models.SourceResponse, error)
}

// Registry maps source ids to adapters. Read-mostly; registration uses a
// write lock, lookups a read lock.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]SourceAdapter),
	}
}

// Register installs an adapter under its configured source id
func (r *Registry) Register(adapter SourceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Config().ID] = adapter
}

// Deregister removes an adapter
func (r *Registry) Deregister(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, sourceID)
}

// Get returns the adapter for a source id
func (r *Registry) Get(sourceID string) (SourceAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[sourceID]
	if !ok {
		return nil, errors.UnknownSource(sourceID)
	}
	return adapter, nil
}

// IDs returns the registered source ids
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
