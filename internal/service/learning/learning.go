// Package learning closes the feedback loop: outcomes (acknowledged alerts,
// debates, verdicts) become pending queue items, a human review turns an
// item into a learning, and applying a production learning rolls the
// dimension's assessment context forward one version with the learning
// content appended.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/service/registry"
	"github.com/halcyon-ai/vigil/internal/storage"
	"github.com/halcyon-ai/vigil/internal/telemetry"
)

// ErrNotProduction is returned when applying a learning that has not been
// promoted to production.
var ErrNotProduction = errors.New("learning is not production")

// Store is the persistence surface the learning service needs.
type Store interface {
	InsertQueueItem(ctx context.Context, item model.LearningQueueItem) (model.LearningQueueItem, error)
	GetQueueItem(ctx context.Context, id uuid.UUID) (model.LearningQueueItem, error)
	PendingQueue(ctx context.Context, scopeID uuid.UUID, f storage.TestFilter) ([]model.LearningQueueItem, error)
	ReviewQueueItem(ctx context.Context, id uuid.UUID, status model.QueueStatus, reviewer string) (model.LearningQueueItem, error)
	InsertLearning(ctx context.Context, l model.Learning) (model.Learning, error)
	GetLearning(ctx context.Context, id uuid.UUID) (model.Learning, error)
	SetLearningProduction(ctx context.Context, id uuid.UUID, production bool) error
	IncrementTimesApplied(ctx context.Context, id uuid.UUID) error
	IncrementTimesHelpful(ctx context.Context, id uuid.UUID) error
}

// Service manages the learning queue and applies approved learnings.
type Service struct {
	store    Store
	registry *registry.Registry
	logger   *slog.Logger

	queued  metric.Int64Counter
	applied metric.Int64Counter
}

// New creates a learning service.
func New(store Store, reg *registry.Registry, logger *slog.Logger) *Service {
	meter := telemetry.Meter("vigil/learning")
	queued, _ := meter.Int64Counter("vigil.learning.queued",
		metric.WithDescription("Learning candidates queued, by source"))
	applied, _ := meter.Int64Counter("vigil.learning.applied",
		metric.WithDescription("Learnings applied to dimension contexts"))

	return &Service{store: store, registry: reg, logger: logger, queued: queued, applied: applied}
}

// RecordAlertAck queues a learning candidate from an acknowledged alert.
// The acknowledgement is the signal: a human looked at the alert and acted,
// so whatever produced it is worth folding back into the dimension context.
func (s *Service) RecordAlertAck(ctx context.Context, scope model.Scope, dimensionID uuid.UUID, alert model.Alert) (model.LearningQueueItem, error) {
	if !alert.Acknowledged() {
		return model.LearningQueueItem{}, fmt.Errorf("learning: alert %s is not acknowledged", alert.ID)
	}
	item := model.LearningQueueItem{
		ScopeID:        scope.ID,
		DimensionID:    dimensionID,
		Source:         model.SourceAlertAck,
		SourceID:       alert.ID,
		Summary:        fmt.Sprintf("%s alert acknowledged by %s", alert.AlertType, deref(alert.AcknowledgedBy)),
		Proposal:       alert.Message,
		IsTest:         alert.IsTest,
		TestScenarioID: alert.TestScenarioID,
	}
	return s.enqueue(ctx, item)
}

// RecordDebateOutcome queues a learning candidate from a debate whose
// adjudication moved the score. A debate that confirmed the aggregate
// carries no lesson and is not queued.
func (s *Service) RecordDebateOutcome(ctx context.Context, scope model.Scope, dimensionID uuid.UUID, debate model.Debate) (model.LearningQueueItem, error) {
	if debate.Adjustment == 0 {
		return model.LearningQueueItem{}, nil
	}
	item := model.LearningQueueItem{
		ScopeID:        scope.ID,
		DimensionID:    dimensionID,
		Source:         model.SourceDebate,
		SourceID:       debate.ID,
		Summary:        fmt.Sprintf("debate (%s) adjusted score by %+.1f", debate.Trigger, debate.Adjustment),
		Proposal:       debate.Rationale,
		IsTest:         debate.IsTest,
		TestScenarioID: debate.TestScenarioID,
	}
	return s.enqueue(ctx, item)
}

// RecordVerdict queues a learning candidate from an external evaluation of
// a past assessment, e.g. a backtest marking a score right or wrong.
func (s *Service) RecordVerdict(ctx context.Context, scope model.Scope, dimensionID, sourceID uuid.UUID, summary, proposal string) (model.LearningQueueItem, error) {
	item := model.LearningQueueItem{
		ScopeID:     scope.ID,
		DimensionID: dimensionID,
		Source:      model.SourceVerdict,
		SourceID:    sourceID,
		Summary:     summary,
		Proposal:    proposal,
	}
	return s.enqueue(ctx, item)
}

func (s *Service) enqueue(ctx context.Context, item model.LearningQueueItem) (model.LearningQueueItem, error) {
	item.Status = model.QueuePending
	out, err := s.store.InsertQueueItem(ctx, item)
	if err != nil {
		return model.LearningQueueItem{}, fmt.Errorf("learning: enqueue: %w", err)
	}
	s.queued.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(out.Source))))
	s.logger.Info("queued learning candidate", "source", out.Source, "dimension", out.DimensionID, "item", out.ID)
	return out, nil
}

// Pending lists a scope's pending queue, oldest first.
func (s *Service) Pending(ctx context.Context, scopeID uuid.UUID, f storage.TestFilter) ([]model.LearningQueueItem, error) {
	return s.store.PendingQueue(ctx, scopeID, f)
}

// Review resolves a pending queue item. Approval creates the learning
// (non-production until promoted); rejection just closes the item. Reviewing
// a non-pending item is storage.ErrConflict.
func (s *Service) Review(ctx context.Context, itemID uuid.UUID, approve bool, reviewer string) (*model.Learning, error) {
	status := model.QueueRejected
	if approve {
		status = model.QueueApproved
	}
	item, err := s.store.ReviewQueueItem(ctx, itemID, status, reviewer)
	if err != nil {
		return nil, fmt.Errorf("learning: review %s: %w", itemID, err)
	}
	if !approve {
		s.logger.Info("rejected learning candidate", "item", item.ID, "reviewer", reviewer)
		return nil, nil
	}

	l, err := s.store.InsertLearning(ctx, model.Learning{
		ScopeID:        item.ScopeID,
		DimensionID:    item.DimensionID,
		QueueItemID:    item.ID,
		Content:        item.Proposal,
		IsTest:         item.IsTest,
		TestScenarioID: item.TestScenarioID,
	})
	if err != nil {
		return nil, fmt.Errorf("learning: review %s: %w", itemID, err)
	}
	s.logger.Info("approved learning", "learning", l.ID, "dimension", l.DimensionID, "reviewer", reviewer)
	return &l, nil
}

// Promote flips a learning's production gate. Only production learnings can
// be applied; demoting (production=false) closes the gate again without
// touching contexts already rolled.
func (s *Service) Promote(ctx context.Context, learningID uuid.UUID, production bool) error {
	if err := s.store.SetLearningProduction(ctx, learningID, production); err != nil {
		return fmt.Errorf("learning: promote %s: %w", learningID, err)
	}
	s.logger.Info("learning production gate changed", "learning", learningID, "production", production)
	return nil
}

// Apply folds a production learning into its dimension's assessment context
// by creating the next context version with the learning content appended
// to the system instructions. Non-production learnings cannot be applied.
func (s *Service) Apply(ctx context.Context, learningID uuid.UUID) (model.DimensionContext, error) {
	l, err := s.store.GetLearning(ctx, learningID)
	if err != nil {
		return model.DimensionContext{}, fmt.Errorf("learning: apply %s: %w", learningID, err)
	}
	if !l.IsProduction {
		return model.DimensionContext{}, fmt.Errorf("learning: apply %s: %w", learningID, ErrNotProduction)
	}

	current, err := s.registry.ActiveContext(ctx, l.DimensionID)
	if err != nil {
		return model.DimensionContext{}, fmt.Errorf("learning: apply %s: %w", learningID, err)
	}

	next := model.DimensionContext{
		DimensionID:        l.DimensionID,
		SystemInstructions: appendLearning(current.SystemInstructions, l.Content),
		OutputSchema:       current.OutputSchema,
		Examples:           current.Examples,
		IsTest:             l.IsTest,
		TestScenarioID:     l.TestScenarioID,
	}
	created, err := s.registry.NewContextVersion(ctx, next)
	if err != nil {
		return model.DimensionContext{}, fmt.Errorf("learning: apply %s: %w", learningID, err)
	}

	if err := s.store.IncrementTimesApplied(ctx, l.ID); err != nil {
		return model.DimensionContext{}, fmt.Errorf("learning: apply %s: %w", learningID, err)
	}
	s.applied.Add(ctx, 1)
	s.logger.Info("applied learning",
		"learning", l.ID,
		"dimension", l.DimensionID,
		"context_version", created.Version)
	return created, nil
}

// MarkHelpful records that an applied learning improved an outcome.
func (s *Service) MarkHelpful(ctx context.Context, learningID uuid.UUID) error {
	if err := s.store.IncrementTimesHelpful(ctx, learningID); err != nil {
		return fmt.Errorf("learning: mark helpful %s: %w", learningID, err)
	}
	return nil
}

func appendLearning(instructions, content string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(instructions, "\n"))
	b.WriteString("\n\nLearned adjustment:\n")
	b.WriteString(content)
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return "unknown"
	}
	return *s
}
