package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-ai/vigil/internal/llm"
	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/service/aggregate"
)

func debateScope(enabled bool) model.Scope {
	return model.Scope{
		ID:     uuid.New(),
		Name:   "test",
		Domain: model.DomainInvestment,
		Config: model.ScopeConfig{DebateEnabled: enabled},
	}
}

func TestShouldDebate_DisabledScopeNeverDebates(t *testing.T) {
	th := model.DefaultThresholds()
	agg := aggregate.Result{Confidence: 0.1, Spread: 90}

	_, ok := ShouldDebate(debateScope(false), agg, th)
	assert.False(t, ok)
}

func TestShouldDebate_LowConfidence(t *testing.T) {
	th := model.DefaultThresholds() // low_confidence 0.35

	trigger, ok := ShouldDebate(debateScope(true), aggregate.Result{Confidence: 0.34, Spread: 0}, th)
	require.True(t, ok)
	assert.Equal(t, model.TriggerLowConfidence, trigger)

	// At the threshold exactly: no debate. Confidence must drop below.
	_, ok = ShouldDebate(debateScope(true), aggregate.Result{Confidence: 0.35, Spread: 0}, th)
	assert.False(t, ok)
}

func TestShouldDebate_Disagreement(t *testing.T) {
	th := model.DefaultThresholds() // disagreement_spread 40

	trigger, ok := ShouldDebate(debateScope(true), aggregate.Result{Confidence: 0.9, Spread: 41}, th)
	require.True(t, ok)
	assert.Equal(t, model.TriggerDisagreement, trigger)

	// Spread must exceed the threshold, 40 exactly is tolerated.
	_, ok = ShouldDebate(debateScope(true), aggregate.Result{Confidence: 0.9, Spread: 40}, th)
	assert.False(t, ok)
}

func TestShouldDebate_LowConfidenceWinsPrecedence(t *testing.T) {
	th := model.DefaultThresholds()
	trigger, ok := ShouldDebate(debateScope(true), aggregate.Result{Confidence: 0.1, Spread: 90}, th)
	require.True(t, ok)
	assert.Equal(t, model.TriggerLowConfidence, trigger)
}

func arbiterFixtures() (model.Subject, []model.Assessment, []model.Dimension, aggregate.Result) {
	subject := model.Subject{ID: uuid.New(), Identifier: "NVDA", SubjectType: model.SubjectStock}
	dims := []model.Dimension{
		{ID: uuid.New(), Slug: "market"},
		{ID: uuid.New(), Slug: "liquidity"},
	}
	assessments := []model.Assessment{
		{ID: uuid.New(), SubjectID: subject.ID, DimensionID: dims[0].ID, Score: 80, Confidence: 0.9, Rationale: "volatile", Evidence: []string{"beta 2.1"}},
		{ID: uuid.New(), SubjectID: subject.ID, DimensionID: dims[1].ID, Score: 20, Confidence: 0.8, Rationale: "deep book"},
	}
	agg := aggregate.Result{Overall: 52, Confidence: 0.85, Spread: 60,
		DimensionScores: map[string]float64{"market": 80, "liquidity": 20}}
	return subject, assessments, dims, agg
}

func TestAdjudicate_RecordsDebate(t *testing.T) {
	subject, assessments, dims, agg := arbiterFixtures()
	provider := llm.NewStaticProvider(`{"score": 65, "rationale": "market risk dominates"}`)
	a := New(provider, "o3", time.Second, slog.New(slog.DiscardHandler))

	taskID := uuid.New()
	out := a.Adjudicate(context.Background(), subject, assessments, dims, agg, model.TriggerDisagreement, taskID)

	require.NotNil(t, out.Debate)
	assert.InDelta(t, 65, out.Score, 1e-9)
	assert.InDelta(t, 52, out.Debate.PreScore, 1e-9)
	assert.InDelta(t, 13, out.Debate.Adjustment, 1e-9)
	assert.Equal(t, model.TriggerDisagreement, out.Debate.Trigger)
	assert.Equal(t, taskID, out.Debate.TaskID)
	assert.ElementsMatch(t, []uuid.UUID{assessments[0].ID, assessments[1].ID}, out.Debate.AssessmentIDs)
	assert.Equal(t, "market risk dominates", out.Debate.Rationale)
}

func TestAdjudicate_ProviderFailureFailsOpen(t *testing.T) {
	subject, assessments, dims, agg := arbiterFixtures()
	provider := llm.NewStaticProvider(`{"score": 65}`)
	provider.Fail(errors.New("timeout"))
	a := New(provider, "o3", time.Second, slog.New(slog.DiscardHandler))

	out := a.Adjudicate(context.Background(), subject, assessments, dims, agg, model.TriggerLowConfidence, uuid.New())

	assert.Nil(t, out.Debate)
	assert.InDelta(t, agg.Overall, out.Score, 1e-9, "pre-debate score stands")
}

func TestAdjudicate_GarbageVerdictFailsOpen(t *testing.T) {
	subject, assessments, dims, agg := arbiterFixtures()
	provider := llm.NewStaticProvider("the risk feels like a 65 to me")
	a := New(provider, "o3", time.Second, slog.New(slog.DiscardHandler))

	out := a.Adjudicate(context.Background(), subject, assessments, dims, agg, model.TriggerDisagreement, uuid.New())
	assert.Nil(t, out.Debate)
	assert.InDelta(t, agg.Overall, out.Score, 1e-9)
}

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict("```json\n{\"score\": 72.5, \"rationale\": \"r\"}\n```")
	require.NoError(t, err)
	assert.InDelta(t, 72.5, v.Score, 1e-9)

	_, err = parseVerdict(`{"score": 140, "rationale": "r"}`)
	assert.Error(t, err, "out of range scores are rejected, never clamped")

	_, err = parseVerdict("not json")
	assert.Error(t, err)
}

func TestBuildDebatePrompt_NamesDimensions(t *testing.T) {
	subject, assessments, dims, agg := arbiterFixtures()
	prompt := buildDebatePrompt(subject, assessments, dims, agg, model.TriggerDisagreement)

	assert.Contains(t, prompt, "NVDA")
	assert.Contains(t, prompt, "market")
	assert.Contains(t, prompt, "liquidity")
	assert.Contains(t, prompt, "beta 2.1")
	assert.Contains(t, prompt, "spread 60.0")
}
