package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/storage"
)

type fakeStore struct {
	mu            sync.Mutex
	contexts      map[uuid.UUID]model.DimensionContext
	dimensions    []model.Dimension
	contextReads  int
	versionOnNext int
}

func newFakeStore() *fakeStore {
	return &fakeStore{contexts: make(map[uuid.UUID]model.DimensionContext), versionOnNext: 1}
}

func (f *fakeStore) ListDimensions(ctx context.Context, scopeID uuid.UUID, activeOnly bool, _ storage.TestFilter) ([]model.Dimension, error) {
	return f.dimensions, nil
}

func (f *fakeStore) GetActiveContext(ctx context.Context, dimensionID uuid.UUID) (model.DimensionContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contextReads++
	c, ok := f.contexts[dimensionID]
	if !ok {
		return model.DimensionContext{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) CreateContextVersion(ctx context.Context, c model.DimensionContext) (model.DimensionContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = uuid.New()
	c.Version = f.versionOnNext
	f.versionOnNext++
	c.IsActive = true
	f.contexts[c.DimensionID] = c
	return c, nil
}

func TestActiveContext_CachesReads(t *testing.T) {
	store := newFakeStore()
	dimID := uuid.New()
	store.contexts[dimID] = model.DimensionContext{ID: uuid.New(), DimensionID: dimID, Version: 1, IsActive: true}

	r := New(store)
	for range 5 {
		c, err := r.ActiveContext(context.Background(), dimID)
		require.NoError(t, err)
		assert.Equal(t, 1, c.Version)
	}
	assert.Equal(t, 1, store.contextReads, "repeat lookups should hit the cache")
}

func TestActiveContext_MissNotCached(t *testing.T) {
	store := newFakeStore()
	dimID := uuid.New()
	r := New(store)

	_, err := r.ActiveContext(context.Background(), dimID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The dimension gains a context; the next lookup must see it.
	store.contexts[dimID] = model.DimensionContext{DimensionID: dimID, Version: 1, IsActive: true}
	c, err := r.ActiveContext(context.Background(), dimID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Version)
}

func TestNewContextVersion_InvalidatesCache(t *testing.T) {
	store := newFakeStore()
	dimID := uuid.New()
	r := New(store)

	first, err := r.NewContextVersion(context.Background(), model.DimensionContext{
		DimensionID: dimID, SystemInstructions: "v1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	// Warm the cache.
	_, err = r.ActiveContext(context.Background(), dimID)
	require.NoError(t, err)

	second, err := r.NewContextVersion(context.Background(), model.DimensionContext{
		DimensionID: dimID, SystemInstructions: "v2",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	got, err := r.ActiveContext(context.Background(), dimID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "lookup after swap must see the new version")
}
