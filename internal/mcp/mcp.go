// Package mcp implements the Model Context Protocol server for Vigil.
//
// The MCP server is the trigger surface: MCP-compatible agents run analyses,
// read scores and alerts, acknowledge alerts, review the learning queue, and
// promote and apply approved learnings.
// The tool set mirrors the pipeline's static action table; nothing is
// registered at runtime.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/service/learning"
	"github.com/halcyon-ai/vigil/internal/service/pipeline"
	"github.com/halcyon-ai/vigil/internal/storage"
)

// Server wraps the MCP server with Vigil's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	pipeline  *pipeline.Pipeline
	learning  *learning.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, pl *pipeline.Pipeline, ls *learning.Service, logger *slog.Logger) *Server {
	s := &Server{
		db:       db,
		pipeline: pl,
		learning: ls,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"vigil",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// vigil://scope/{id}/alerts — a scope's unacknowledged alerts.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"vigil://scope/{id}/alerts",
			"Scope Alerts",
			mcplib.WithTemplateDescription("Unacknowledged alerts for a scope"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleScopeAlerts,
	)

	// vigil://subject/{id}/score — a subject's current active score.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"vigil://subject/{id}/score",
			"Subject Score",
			mcplib.WithTemplateDescription("Current active composite score for a subject"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSubjectScore,
	)
}

func (s *Server) registerTools() {
	desc := func(name pipeline.ActionName) string {
		spec, _ := pipeline.LookupAction(name)
		return spec.Description
	}

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionAnalyze),
			mcplib.WithDescription(desc(pipeline.ActionAnalyze)),
			mcplib.WithString("scope_id", mcplib.Description("Scope UUID"), mcplib.Required()),
			mcplib.WithString("subject_id", mcplib.Description("Subject UUID"), mcplib.Required()),
		),
		s.handleAnalyze,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionAnalyzeScope),
			mcplib.WithDescription(desc(pipeline.ActionAnalyzeScope)),
			mcplib.WithString("scope_id", mcplib.Description("Scope UUID"), mcplib.Required()),
			mcplib.WithBoolean("include_test", mcplib.Description("Include synthetic test subjects")),
		),
		s.handleAnalyzeScope,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionScore),
			mcplib.WithDescription(desc(pipeline.ActionScore)),
			mcplib.WithString("subject_id", mcplib.Description("Subject UUID"), mcplib.Required()),
			mcplib.WithNumber("history_limit", mcplib.Description("Score history entries to include (newest first)")),
		),
		s.handleScore,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionAlerts),
			mcplib.WithDescription(desc(pipeline.ActionAlerts)),
			mcplib.WithString("scope_id", mcplib.Description("Scope UUID"), mcplib.Required()),
		),
		s.handleAlerts,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionAck),
			mcplib.WithDescription(desc(pipeline.ActionAck)),
			mcplib.WithString("alert_id", mcplib.Description("Alert UUID"), mcplib.Required()),
			mcplib.WithString("acknowledged_by", mcplib.Description("Who is acknowledging"), mcplib.Required()),
		),
		s.handleAck,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionReview),
			mcplib.WithDescription(desc(pipeline.ActionReview)),
			mcplib.WithString("item_id", mcplib.Description("Learning queue item UUID"), mcplib.Required()),
			mcplib.WithBoolean("approve", mcplib.Description("Approve (true) or reject (false)"), mcplib.Required()),
			mcplib.WithString("reviewer", mcplib.Description("Who is reviewing"), mcplib.Required()),
		),
		s.handleReview,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionPromote),
			mcplib.WithDescription(desc(pipeline.ActionPromote)),
			mcplib.WithString("learning_id", mcplib.Description("Learning UUID"), mcplib.Required()),
			mcplib.WithBoolean("production", mcplib.Description("Open (true) or close (false) the production gate"), mcplib.Required()),
		),
		s.handlePromote,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionApply),
			mcplib.WithDescription(desc(pipeline.ActionApply)),
			mcplib.WithString("learning_id", mcplib.Description("Learning UUID"), mcplib.Required()),
		),
		s.handleApply,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(string(pipeline.ActionHelpful),
			mcplib.WithDescription(desc(pipeline.ActionHelpful)),
			mcplib.WithString("learning_id", mcplib.Description("Learning UUID"), mcplib.Required()),
		),
		s.handleHelpful,
	)
}

func (s *Server) handleScopeAlerts(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	scopeID, err := templateID(uri, "vigil://scope/", "/alerts")
	if err != nil {
		return nil, fmt.Errorf("mcp: scope alerts: %w", err)
	}

	alerts, err := s.db.UnacknowledgedAlerts(ctx, scopeID, storage.TestFilter{})
	if err != nil {
		return nil, fmt.Errorf("mcp: scope alerts: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"scope_id": scopeID,
		"alerts":   alerts,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal alerts: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (s *Server) handleSubjectScore(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	subjectID, err := templateID(uri, "vigil://subject/", "/score")
	if err != nil {
		return nil, fmt.Errorf("mcp: subject score: %w", err)
	}

	score, err := s.db.GetActiveScore(ctx, subjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			data, _ := json.Marshal(map[string]any{"subject_id": subjectID, "score": nil})
			return []mcplib.ResourceContents{
				mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
			}, nil
		}
		return nil, fmt.Errorf("mcp: subject score: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"subject_id": subjectID,
		"score":      score,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal score: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (s *Server) handleAnalyze(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scopeID, err := uuidArg(request, "scope_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	subjectID, err := uuidArg(request, "subject_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	summary, err := s.pipeline.AnalyzeSubject(ctx, scopeID, subjectID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoData) {
			data, _ := json.Marshal(map[string]any{
				"status": "no_data",
				"reason": err.Error(),
			})
			return textResult(string(data)), nil
		}
		return errorResult(fmt.Sprintf("analysis failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(summary, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleAnalyzeScope(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scopeID, err := uuidArg(request, "scope_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	f := storage.TestFilter{IncludeTest: request.GetBool("include_test", false)}

	results, err := s.pipeline.AnalyzeScope(ctx, scopeID, f)
	if err != nil {
		return errorResult(fmt.Sprintf("scope analysis failed: %v", err)), nil
	}

	scored, failed := 0, 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			scored++
		}
	}

	data, _ := json.MarshalIndent(map[string]any{
		"scope_id": scopeID,
		"scored":   scored,
		"failed":   failed,
		"results":  results,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleScore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subjectID, err := uuidArg(request, "subject_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	limit := request.GetInt("history_limit", 10)

	var active *model.CompositeScore
	score, err := s.db.GetActiveScore(ctx, subjectID)
	switch {
	case err == nil:
		active = &score
	case errors.Is(err, storage.ErrNotFound):
		// No active score is a valid read.
	default:
		return errorResult(fmt.Sprintf("read score failed: %v", err)), nil
	}

	history, err := s.db.ScoreHistory(ctx, subjectID, limit, storage.TestFilter{})
	if err != nil {
		return errorResult(fmt.Sprintf("read history failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"subject_id": subjectID,
		"active":     active,
		"history":    history,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleAlerts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scopeID, err := uuidArg(request, "scope_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	alerts, err := s.db.UnacknowledgedAlerts(ctx, scopeID, storage.TestFilter{})
	if err != nil {
		return errorResult(fmt.Sprintf("list alerts failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"scope_id": scopeID,
		"alerts":   alerts,
		"total":    len(alerts),
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleAck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	alertID, err := uuidArg(request, "alert_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	by := request.GetString("acknowledged_by", "")
	if by == "" {
		return errorResult("acknowledged_by is required"), nil
	}

	alert, err := s.db.AcknowledgeAlert(ctx, alertID, by)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return errorResult("alert is already acknowledged"), nil
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("alert not found"), nil
	case err != nil:
		return errorResult(fmt.Sprintf("acknowledge failed: %v", err)), nil
	}

	// Spike alerts name a dimension; fold the acknowledgement back into the
	// learning queue for it. Other alert types have no single dimension.
	queued := s.queueAckLearning(ctx, alert)

	data, _ := json.Marshal(map[string]any{
		"alert_id":        alert.ID,
		"acknowledged_by": by,
		"status":          "acknowledged",
		"learning_queued": queued,
	})
	return textResult(string(data)), nil
}

func (s *Server) queueAckLearning(ctx context.Context, alert model.Alert) bool {
	slug, _ := alert.Details["dimension"].(string)
	if alert.AlertType != model.AlertDimensionSpike || slug == "" {
		return false
	}

	subject, err := s.db.GetSubject(ctx, alert.SubjectID)
	if err != nil {
		s.logger.Warn("mcp: ack learning: load subject", "alert", alert.ID, "error", err)
		return false
	}
	scope, err := s.db.GetScope(ctx, subject.ScopeID)
	if err != nil {
		s.logger.Warn("mcp: ack learning: load scope", "alert", alert.ID, "error", err)
		return false
	}
	dims, err := s.db.ListDimensions(ctx, scope.ID, true, storage.TestFilter{IncludeTest: alert.IsTest})
	if err != nil {
		s.logger.Warn("mcp: ack learning: list dimensions", "alert", alert.ID, "error", err)
		return false
	}
	for _, d := range dims {
		if d.Slug == slug {
			if _, err := s.learning.RecordAlertAck(ctx, scope, d.ID, alert); err != nil {
				s.logger.Warn("mcp: ack learning: queue", "alert", alert.ID, "error", err)
				return false
			}
			return true
		}
	}
	return false
}

func (s *Server) handleReview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	itemID, err := uuidArg(request, "item_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	reviewer := request.GetString("reviewer", "")
	if reviewer == "" {
		return errorResult("reviewer is required"), nil
	}
	approve := request.GetBool("approve", false)

	l, err := s.learning.Review(ctx, itemID, approve, reviewer)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return errorResult("queue item is already reviewed"), nil
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("queue item not found"), nil
	case err != nil:
		return errorResult(fmt.Sprintf("review failed: %v", err)), nil
	}

	out := map[string]any{"item_id": itemID, "approved": approve}
	if l != nil {
		out["learning_id"] = l.ID
	}
	data, _ := json.Marshal(out)
	return textResult(string(data)), nil
}

func (s *Server) handlePromote(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	learningID, err := uuidArg(request, "learning_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	production := request.GetBool("production", false)

	if err := s.learning.Promote(ctx, learningID, production); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("learning not found"), nil
		}
		return errorResult(fmt.Sprintf("promote failed: %v", err)), nil
	}

	data, _ := json.Marshal(map[string]any{
		"learning_id": learningID,
		"production":  production,
	})
	return textResult(string(data)), nil
}

func (s *Server) handleApply(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	learningID, err := uuidArg(request, "learning_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	created, err := s.learning.Apply(ctx, learningID)
	switch {
	case errors.Is(err, learning.ErrNotProduction):
		return errorResult("learning is not in production; promote it first"), nil
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("learning not found"), nil
	case err != nil:
		return errorResult(fmt.Sprintf("apply failed: %v", err)), nil
	}

	data, _ := json.Marshal(map[string]any{
		"learning_id":     learningID,
		"dimension_id":    created.DimensionID,
		"context_version": created.Version,
	})
	return textResult(string(data)), nil
}

func (s *Server) handleHelpful(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	learningID, err := uuidArg(request, "learning_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	if err := s.learning.MarkHelpful(ctx, learningID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("learning not found"), nil
		}
		return errorResult(fmt.Sprintf("mark helpful failed: %v", err)), nil
	}

	data, _ := json.Marshal(map[string]any{"learning_id": learningID, "status": "recorded"})
	return textResult(string(data)), nil
}

// templateID extracts the UUID between prefix and suffix in a template URI.
func templateID(uri, prefix, suffix string) (uuid.UUID, error) {
	if len(uri) <= len(prefix)+len(suffix) || uri[:len(prefix)] != prefix || uri[len(uri)-len(suffix):] != suffix {
		return uuid.Nil, fmt.Errorf("invalid resource URI: %s", uri)
	}
	id, err := uuid.Parse(uri[len(prefix) : len(uri)-len(suffix)])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid resource URI %s: %w", uri, err)
	}
	return id, nil
}

func uuidArg(request mcplib.CallToolRequest, key string) (uuid.UUID, error) {
	raw := request.GetString(key, "")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s is not a valid UUID", key)
	}
	return id, nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
