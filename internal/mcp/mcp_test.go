package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/halcyon-ai/vigil/internal/llm"
	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/service/arbiter"
	"github.com/halcyon-ai/vigil/internal/service/collector"
	"github.com/halcyon-ai/vigil/internal/service/learning"
	"github.com/halcyon-ai/vigil/internal/service/pipeline"
	"github.com/halcyon-ai/vigil/internal/service/registry"
	"github.com/halcyon-ai/vigil/internal/storage"
	"github.com/halcyon-ai/vigil/internal/testutil"
)

var (
	testDB       *storage.DB
	testServer   *Server
	testProvider *llm.StaticProvider
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	testProvider = llm.NewStaticProvider(`{"score": 45, "confidence": 0.8, "rationale": "steady"}`)

	reg := registry.New(testDB)
	col := collector.New(reg, testProvider, "assess-model", 4, 5*time.Second, logger)
	arb := arbiter.New(testProvider, "arbiter-model", 5*time.Second, logger)
	ls := learning.New(testDB, reg, logger)
	pl := pipeline.New(testDB, col, arb, ls, pipeline.Options{BatchFanOut: 4, InsertRetries: 2}, logger)
	testServer = New(testDB, pl, ls, logger)

	return m.Run()
}

// seedScope creates a scope with one subject and one assessable dimension.
func seedScope(t *testing.T) (model.Scope, model.Subject, model.Dimension) {
	t.Helper()
	ctx := context.Background()

	scope, err := testDB.CreateScope(ctx, model.Scope{
		OrgID:      uuid.New(),
		AgentID:    "test-agent",
		Name:       "scope-" + uuid.New().String()[:8],
		Domain:     model.DomainInvestment,
		Thresholds: model.DefaultThresholds(),
		IsActive:   true,
	})
	require.NoError(t, err)

	subject, err := testDB.CreateSubject(ctx, model.Subject{
		ScopeID:     scope.ID,
		Identifier:  "NVDA",
		SubjectType: model.SubjectStock,
		DisplayName: "NVIDIA",
		IsActive:    true,
	})
	require.NoError(t, err)

	dim, err := testDB.CreateDimension(ctx, model.Dimension{
		ScopeID:  scope.ID,
		Slug:     "market",
		Weight:   1,
		IsActive: true,
	})
	require.NoError(t, err)

	_, err = testDB.CreateContextVersion(ctx, model.DimensionContext{
		DimensionID:        dim.ID,
		SystemInstructions: "Assess market risk for the subject.",
	})
	require.NoError(t, err)

	return scope, subject, dim
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestHandleAnalyze(t *testing.T) {
	scope, subject, _ := seedScope(t)

	result, err := testServer.handleAnalyze(context.Background(), toolRequest("vigil_analyze", map[string]any{
		"scope_id":   scope.ID.String(),
		"subject_id": subject.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "analyze should succeed: %s", parseToolText(t, result))

	var summary pipeline.Summary
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &summary))
	assert.Equal(t, subject.ID, summary.SubjectID)
	assert.InDelta(t, 45, summary.OverallScore, 1e-9)
	assert.Equal(t, 1, summary.AssessmentCount)

	active, err := testDB.GetActiveScore(context.Background(), subject.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScoreActive, active.Status)
}

func TestHandleAnalyze_BadArgs(t *testing.T) {
	result, err := testServer.handleAnalyze(context.Background(), toolRequest("vigil_analyze", map[string]any{
		"scope_id": "not-a-uuid", "subject_id": uuid.New().String(),
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "scope_id")
}

func TestHandleAnalyze_NoData(t *testing.T) {
	// A scope whose only dimension has no context yields a no_data result,
	// not a tool error.
	ctx := context.Background()
	scope, err := testDB.CreateScope(ctx, model.Scope{
		OrgID: uuid.New(), AgentID: "test-agent",
		Name: "empty-" + uuid.New().String()[:8], Domain: model.DomainInvestment,
		Thresholds: model.DefaultThresholds(), IsActive: true,
	})
	require.NoError(t, err)
	subject, err := testDB.CreateSubject(ctx, model.Subject{
		ScopeID: scope.ID, Identifier: "VOID", SubjectType: model.SubjectStock, IsActive: true,
	})
	require.NoError(t, err)
	_, err = testDB.CreateDimension(ctx, model.Dimension{
		ScopeID: scope.ID, Slug: "market", Weight: 1, IsActive: true,
	})
	require.NoError(t, err)

	result, err := testServer.handleAnalyze(ctx, toolRequest("vigil_analyze", map[string]any{
		"scope_id": scope.ID.String(), "subject_id": subject.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "no_data", resp.Status)
	assert.NotEmpty(t, resp.Reason)

	_, err = testDB.GetActiveScore(ctx, subject.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "no composite row on a no-data run")
}

func TestHandleAnalyzeScope(t *testing.T) {
	scope, subject, _ := seedScope(t)
	second, err := testDB.CreateSubject(context.Background(), model.Subject{
		ScopeID: scope.ID, Identifier: "AMD", SubjectType: model.SubjectStock, IsActive: true,
	})
	require.NoError(t, err)

	result, err := testServer.handleAnalyzeScope(context.Background(), toolRequest("vigil_analyze_scope", map[string]any{
		"scope_id": scope.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var resp struct {
		Scored  int `json:"scored"`
		Failed  int `json:"failed"`
		Results []pipeline.SubjectResult
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 2, resp.Scored)
	assert.Equal(t, 0, resp.Failed)

	for _, id := range []uuid.UUID{subject.ID, second.ID} {
		_, err := testDB.GetActiveScore(context.Background(), id)
		assert.NoError(t, err)
	}
}

func TestHandleScore(t *testing.T) {
	scope, subject, _ := seedScope(t)

	// Two runs: the second supersedes the first.
	for range 2 {
		res, err := testServer.handleAnalyze(context.Background(), toolRequest("vigil_analyze", map[string]any{
			"scope_id": scope.ID.String(), "subject_id": subject.ID.String(),
		}))
		require.NoError(t, err)
		require.False(t, res.IsError)
	}

	result, err := testServer.handleScore(context.Background(), toolRequest("vigil_score", map[string]any{
		"subject_id": subject.ID.String(), "history_limit": 10,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Active  *model.CompositeScore  `json:"active"`
		History []model.CompositeScore `json:"history"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.NotNil(t, resp.Active)
	assert.Equal(t, model.ScoreActive, resp.Active.Status)
	require.Len(t, resp.History, 2)
	assert.Equal(t, model.ScoreSuperseded, resp.History[1].Status)
}

func TestHandleScore_NoScoreYet(t *testing.T) {
	_, subject, _ := seedScope(t)

	result, err := testServer.handleScore(context.Background(), toolRequest("vigil_score", map[string]any{
		"subject_id": subject.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Active *model.CompositeScore `json:"active"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Nil(t, resp.Active)
}

func TestHandleAlertsAndAck(t *testing.T) {
	scope, subject, _ := seedScope(t)

	// Seed an alert directly; ack it through the tool.
	alerts, err := testDB.InsertAlerts(context.Background(), []model.Alert{{
		SubjectID: subject.ID,
		AlertType: model.AlertThresholdBreach,
		Severity:  model.SeverityCritical,
		Message:   "composite score 85.0 breached the critical threshold 80",
	}})
	require.NoError(t, err)
	alert := alerts[0]

	result, err := testServer.handleAlerts(context.Background(), toolRequest("vigil_alerts", map[string]any{
		"scope_id": scope.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), alert.ID.String())

	ack, err := testServer.handleAck(context.Background(), toolRequest("vigil_ack", map[string]any{
		"alert_id": alert.ID.String(), "acknowledged_by": "ops@halcyon.ai",
	}))
	require.NoError(t, err)
	require.False(t, ack.IsError, parseToolText(t, ack))

	// Second ack conflicts.
	again, err := testServer.handleAck(context.Background(), toolRequest("vigil_ack", map[string]any{
		"alert_id": alert.ID.String(), "acknowledged_by": "ops@halcyon.ai",
	}))
	require.NoError(t, err)
	assert.True(t, again.IsError)
	assert.Contains(t, parseToolText(t, again), "already acknowledged")

	// The acked alert leaves the unacknowledged view.
	result, err = testServer.handleAlerts(context.Background(), toolRequest("vigil_alerts", map[string]any{
		"scope_id": scope.ID.String(),
	}))
	require.NoError(t, err)
	assert.NotContains(t, parseToolText(t, result), alert.ID.String())
}

func TestHandleAck_SpikeQueuesLearning(t *testing.T) {
	scope, subject, dim := seedScope(t)

	alerts, err := testDB.InsertAlerts(context.Background(), []model.Alert{{
		SubjectID: subject.ID,
		AlertType: model.AlertDimensionSpike,
		Severity:  model.SeverityWarning,
		Message:   "dimension market moved +30.0 points",
		Details:   map[string]any{"dimension": dim.Slug, "delta": 30.0},
	}})
	require.NoError(t, err)

	ack, err := testServer.handleAck(context.Background(), toolRequest("vigil_ack", map[string]any{
		"alert_id": alerts[0].ID.String(), "acknowledged_by": "ops@halcyon.ai",
	}))
	require.NoError(t, err)
	require.False(t, ack.IsError, parseToolText(t, ack))

	var resp struct {
		LearningQueued bool `json:"learning_queued"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, ack)), &resp))
	assert.True(t, resp.LearningQueued)

	pending, err := testDB.PendingQueue(context.Background(), scope.ID, storage.TestFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SourceAlertAck, pending[0].Source)
	assert.Equal(t, dim.ID, pending[0].DimensionID)
}

func TestHandleReview(t *testing.T) {
	scope, _, dim := seedScope(t)

	item, err := testDB.InsertQueueItem(context.Background(), model.LearningQueueItem{
		ScopeID:     scope.ID,
		DimensionID: dim.ID,
		Source:      model.SourceDebate,
		SourceID:    uuid.New(),
		Summary:     "debate adjusted score by +13.0",
		Proposal:    "weigh liquidity evidence more heavily",
		Status:      model.QueuePending,
	})
	require.NoError(t, err)

	result, err := testServer.handleReview(context.Background(), toolRequest("vigil_review", map[string]any{
		"item_id": item.ID.String(), "approve": true, "reviewer": "lead@halcyon.ai",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var resp struct {
		LearningID *uuid.UUID `json:"learning_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.NotNil(t, resp.LearningID)

	l, err := testDB.GetLearning(context.Background(), *resp.LearningID)
	require.NoError(t, err)
	assert.Equal(t, item.Proposal, l.Content)
	assert.False(t, l.IsProduction)

	// Re-review conflicts.
	again, err := testServer.handleReview(context.Background(), toolRequest("vigil_review", map[string]any{
		"item_id": item.ID.String(), "approve": false, "reviewer": "lead@halcyon.ai",
	}))
	require.NoError(t, err)
	assert.True(t, again.IsError)
}

func TestHandlePromoteAndApply(t *testing.T) {
	// Full loop: queue item → approve → promote → apply rolls the dimension
	// context to a new version with the learning folded in.
	scope, _, dim := seedScope(t)
	ctx := context.Background()

	item, err := testDB.InsertQueueItem(ctx, model.LearningQueueItem{
		ScopeID:     scope.ID,
		DimensionID: dim.ID,
		Source:      model.SourceDebate,
		SourceID:    uuid.New(),
		Summary:     "debate adjusted score by -9.0",
		Proposal:    "discount stale filings when scoring regulatory risk",
		Status:      model.QueuePending,
	})
	require.NoError(t, err)

	result, err := testServer.handleReview(ctx, toolRequest("vigil_review", map[string]any{
		"item_id": item.ID.String(), "approve": true, "reviewer": "lead@halcyon.ai",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	var reviewed struct {
		LearningID uuid.UUID `json:"learning_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &reviewed))

	// Applying before promotion is refused.
	gated, err := testServer.handleApply(ctx, toolRequest("vigil_apply", map[string]any{
		"learning_id": reviewed.LearningID.String(),
	}))
	require.NoError(t, err)
	assert.True(t, gated.IsError)

	promoted, err := testServer.handlePromote(ctx, toolRequest("vigil_promote", map[string]any{
		"learning_id": reviewed.LearningID.String(), "production": true,
	}))
	require.NoError(t, err)
	require.False(t, promoted.IsError, parseToolText(t, promoted))

	applied, err := testServer.handleApply(ctx, toolRequest("vigil_apply", map[string]any{
		"learning_id": reviewed.LearningID.String(),
	}))
	require.NoError(t, err)
	require.False(t, applied.IsError, parseToolText(t, applied))
	var resp struct {
		ContextVersion int `json:"context_version"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, applied)), &resp))
	assert.Equal(t, 2, resp.ContextVersion)

	active, err := testDB.GetActiveContext(ctx, dim.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.Contains(t, active.SystemInstructions, item.Proposal)

	l, err := testDB.GetLearning(ctx, reviewed.LearningID)
	require.NoError(t, err)
	assert.Equal(t, 1, l.TimesApplied)

	helpful, err := testServer.handleHelpful(ctx, toolRequest("vigil_helpful", map[string]any{
		"learning_id": reviewed.LearningID.String(),
	}))
	require.NoError(t, err)
	require.False(t, helpful.IsError)
	l, err = testDB.GetLearning(ctx, reviewed.LearningID)
	require.NoError(t, err)
	assert.Equal(t, 1, l.TimesHelpful)
}

func TestHandlePromote_UnknownLearning(t *testing.T) {
	result, err := testServer.handlePromote(context.Background(), toolRequest("vigil_promote", map[string]any{
		"learning_id": uuid.New().String(), "production": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSubjectScoreResource(t *testing.T) {
	scope, subject, _ := seedScope(t)

	res, err := testServer.handleAnalyze(context.Background(), toolRequest("vigil_analyze", map[string]any{
		"scope_id": scope.ID.String(), "subject_id": subject.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	uri := fmt.Sprintf("vigil://subject/%s/score", subject.ID)
	contents, err := testServer.handleSubjectScore(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, uri, text.URI)
	assert.Contains(t, text.Text, subject.ID.String())
}

func TestTemplateID(t *testing.T) {
	id := uuid.New()

	got, err := templateID(fmt.Sprintf("vigil://scope/%s/alerts", id), "vigil://scope/", "/alerts")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = templateID("vigil://scope/not-a-uuid/alerts", "vigil://scope/", "/alerts")
	assert.Error(t, err)

	_, err = templateID("vigil://other/thing", "vigil://scope/", "/alerts")
	assert.Error(t, err)
}
