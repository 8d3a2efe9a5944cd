package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-ai/vigil/internal/llm"
	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/service/aggregate"
	"github.com/halcyon-ai/vigil/internal/service/registry"
	"github.com/halcyon-ai/vigil/internal/storage"
)

type fakeStore struct {
	mu         sync.Mutex
	dimensions []model.Dimension
	contexts   map[uuid.UUID]model.DimensionContext
}

func (f *fakeStore) ListDimensions(ctx context.Context, scopeID uuid.UUID, activeOnly bool, _ storage.TestFilter) ([]model.Dimension, error) {
	return f.dimensions, nil
}

func (f *fakeStore) GetActiveContext(ctx context.Context, dimensionID uuid.UUID) (model.DimensionContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[dimensionID]
	if !ok {
		return model.DimensionContext{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) CreateContextVersion(ctx context.Context, c model.DimensionContext) (model.DimensionContext, error) {
	return c, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fixtures(slugs ...string) (*fakeStore, model.Scope, model.Subject) {
	scope := model.Scope{ID: uuid.New(), Name: "test", Domain: model.DomainInvestment}
	subject := model.Subject{ID: uuid.New(), ScopeID: scope.ID, Identifier: "NVDA", SubjectType: model.SubjectStock}

	store := &fakeStore{contexts: make(map[uuid.UUID]model.DimensionContext)}
	for i, slug := range slugs {
		dim := model.Dimension{ID: uuid.New(), ScopeID: scope.ID, Slug: slug, Weight: 1, DisplayOrder: i, IsActive: true}
		store.dimensions = append(store.dimensions, dim)
		store.contexts[dim.ID] = model.DimensionContext{
			ID: uuid.New(), DimensionID: dim.ID, Version: 1,
			SystemInstructions: "assess " + slug + " risk", IsActive: true,
		}
	}
	return store, scope, subject
}

func TestCollect_AllDimensionsSucceed(t *testing.T) {
	store, scope, subject := fixtures("market", "liquidity", "regulatory")
	provider := llm.NewStaticProvider(`{"score": 55, "confidence": 0.8, "rationale": "moderate"}`)
	c := New(registry.New(store), provider, "gpt-4o-mini", 4, time.Second, testLogger())

	taskID := uuid.New()
	col, err := c.Collect(context.Background(), scope, subject, taskID, storage.TestFilter{})
	require.NoError(t, err)
	require.Len(t, col.Assessments, 3)
	assert.Empty(t, col.Failures)

	for _, a := range col.Assessments {
		assert.Equal(t, taskID, a.TaskID)
		assert.Equal(t, subject.ID, a.SubjectID)
		assert.InDelta(t, 55, a.Score, 1e-9)
		assert.Equal(t, 1, a.ContextVersion)
	}
}

func TestCollect_DimensionWithoutContextSkipped(t *testing.T) {
	store, scope, subject := fixtures("market", "liquidity")
	// Drop one context: the dimension is skipped, not failed.
	delete(store.contexts, store.dimensions[1].ID)

	provider := llm.NewStaticProvider(`{"score": 40, "confidence": 0.9, "rationale": "ok"}`)
	c := New(registry.New(store), provider, "m", 2, time.Second, testLogger())

	col, err := c.Collect(context.Background(), scope, subject, uuid.New(), storage.TestFilter{})
	require.NoError(t, err)
	assert.Len(t, col.Assessments, 1)
	assert.Empty(t, col.Failures, "missing context is a skip, not a failure")
}

func TestCollect_ProviderFailureDegradesDimension(t *testing.T) {
	store, scope, subject := fixtures("market", "liquidity")
	provider := llm.NewStaticProvider(`{"score": 1, "confidence": 1}`)
	provider.Fail(errors.New("upstream 500"))

	c := New(registry.New(store), provider, "m", 2, time.Second, testLogger())
	col, err := c.Collect(context.Background(), scope, subject, uuid.New(), storage.TestFilter{})

	// All dimensions failed: no data.
	assert.ErrorIs(t, err, aggregate.ErrNoData)
	assert.Len(t, col.Failures, 2)
	assert.Empty(t, col.Assessments)
}

func TestCollect_UnparseableBodyIsFailure(t *testing.T) {
	store, scope, subject := fixtures("market")
	provider := llm.NewStaticProvider("I think the risk is moderate?")
	c := New(registry.New(store), provider, "m", 1, time.Second, testLogger())

	col, err := c.Collect(context.Background(), scope, subject, uuid.New(), storage.TestFilter{})
	assert.ErrorIs(t, err, aggregate.ErrNoData)
	require.Len(t, col.Failures, 1)
	assert.Equal(t, "market", col.Failures[0].Slug)
}

func TestCollect_OutOfRangeScoreRejected(t *testing.T) {
	store, scope, subject := fixtures("market")
	// Out-of-range values are rejected, never clamped.
	provider := llm.NewStaticProvider(`{"score": 140, "confidence": 0.8, "rationale": "x"}`)
	c := New(registry.New(store), provider, "m", 1, time.Second, testLogger())

	_, err := c.Collect(context.Background(), scope, subject, uuid.New(), storage.TestFilter{})
	assert.ErrorIs(t, err, aggregate.ErrNoData)
}

func TestCollect_NoActiveDimensions(t *testing.T) {
	store := &fakeStore{contexts: make(map[uuid.UUID]model.DimensionContext)}
	scope := model.Scope{ID: uuid.New()}
	subject := model.Subject{ID: uuid.New(), Identifier: "X"}

	provider := llm.NewStaticProvider(`{"score": 1, "confidence": 1}`)
	c := New(registry.New(store), provider, "m", 1, time.Second, testLogger())

	_, err := c.Collect(context.Background(), scope, subject, uuid.New(), storage.TestFilter{})
	assert.ErrorIs(t, err, aggregate.ErrNoData)
}

func TestParseAssessmentBody_StripsFences(t *testing.T) {
	body, err := ParseAssessmentBody("```json\n{\"score\": 72, \"confidence\": 0.65, \"rationale\": \"r\"}\n```")
	require.NoError(t, err)
	assert.InDelta(t, 72, body.Score, 1e-9)
	assert.InDelta(t, 0.65, body.Confidence, 1e-9)
}

func TestParseAssessmentBody_PlainJSON(t *testing.T) {
	body, err := ParseAssessmentBody(`{"score": 10, "confidence": 0.5, "rationale": "low", "evidence": ["a", "b"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, body.Evidence)
}

func TestCollect_TestFlagsPropagate(t *testing.T) {
	store, scope, subject := fixtures("market")
	scenario := uuid.New()
	subject.IsTest = true
	subject.TestScenarioID = &scenario

	provider := llm.NewStaticProvider(`{"score": 20, "confidence": 0.9, "rationale": "r"}`)
	c := New(registry.New(store), provider, "m", 1, time.Second, testLogger())

	col, err := c.Collect(context.Background(), scope, subject, uuid.New(), storage.TestFilter{IncludeTest: true})
	require.NoError(t, err)
	require.Len(t, col.Assessments, 1)
	assert.True(t, col.Assessments[0].IsTest)
	require.NotNil(t, col.Assessments[0].TestScenarioID)
	assert.Equal(t, scenario, *col.Assessments[0].TestScenarioID)
}
