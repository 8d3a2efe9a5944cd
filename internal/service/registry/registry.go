// Package registry provides per-scope dimension and assessment-context
// lookups for the pipeline.
//
// The active-context lookup is read-mostly and cached: a batch run over many
// subjects hits the same handful of contexts once each. Learning application
// swaps the active version and invalidates the cache; batches already in
// flight keep the snapshot they started with. That race is accepted —
// learning application is rare and a stale context only means one run used
// the previous version.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/storage"
)

// Store is the persistence surface the registry needs.
type Store interface {
	ListDimensions(ctx context.Context, scopeID uuid.UUID, activeOnly bool, f storage.TestFilter) ([]model.Dimension, error)
	GetActiveContext(ctx context.Context, dimensionID uuid.UUID) (model.DimensionContext, error)
	CreateContextVersion(ctx context.Context, c model.DimensionContext) (model.DimensionContext, error)
}

// Registry caches active dimension contexts in front of storage.
type Registry struct {
	store Store

	mu       sync.RWMutex
	contexts map[uuid.UUID]model.DimensionContext
}

// New creates a registry backed by store.
func New(store Store) *Registry {
	return &Registry{
		store:    store,
		contexts: make(map[uuid.UUID]model.DimensionContext),
	}
}

// ActiveDimensions returns a scope's active dimensions in display order.
// Not cached: dimension sets are small and change through operator actions
// that expect immediate visibility.
func (r *Registry) ActiveDimensions(ctx context.Context, scopeID uuid.UUID, f storage.TestFilter) ([]model.Dimension, error) {
	return r.store.ListDimensions(ctx, scopeID, true, f)
}

// ActiveContext returns the dimension's active context, read-through cached.
// storage.ErrNotFound (no active version) is not cached; a dimension without
// a context is skipped by the collector and may gain one at any moment.
func (r *Registry) ActiveContext(ctx context.Context, dimensionID uuid.UUID) (model.DimensionContext, error) {
	r.mu.RLock()
	c, ok := r.contexts[dimensionID]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := r.store.GetActiveContext(ctx, dimensionID)
	if err != nil {
		return model.DimensionContext{}, err
	}

	r.mu.Lock()
	r.contexts[dimensionID] = c
	r.mu.Unlock()
	return c, nil
}

// Invalidate drops a dimension's cached context. Called after a context
// version swap.
func (r *Registry) Invalidate(dimensionID uuid.UUID) {
	r.mu.Lock()
	delete(r.contexts, dimensionID)
	r.mu.Unlock()
}

// NewContextVersion creates the next context version for a dimension and
// invalidates the cache so subsequent lookups see it.
func (r *Registry) NewContextVersion(ctx context.Context, c model.DimensionContext) (model.DimensionContext, error) {
	out, err := r.store.CreateContextVersion(ctx, c)
	if err != nil {
		return model.DimensionContext{}, err
	}
	r.Invalidate(out.DimensionID)
	return out, nil
}
