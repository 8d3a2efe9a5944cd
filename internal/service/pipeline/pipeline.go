// Package pipeline orchestrates one analysis run: collect per-dimension
// assessments, aggregate, optionally debate, persist the composite, then
// evaluate and fan out alerts. Each stage's failure policy is local; the
// only run-fatal outcomes are storage errors and a run with no data.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/service/aggregate"
	"github.com/halcyon-ai/vigil/internal/service/alerting"
	"github.com/halcyon-ai/vigil/internal/service/arbiter"
	"github.com/halcyon-ai/vigil/internal/service/collector"
	"github.com/halcyon-ai/vigil/internal/storage"
	"github.com/halcyon-ai/vigil/internal/telemetry"
)

// ErrNoData marks a run where no dimension produced a usable assessment.
// Callers must treat it as "nothing to score", not as a zero score.
var ErrNoData = aggregate.ErrNoData

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetScope(ctx context.Context, id uuid.UUID) (model.Scope, error)
	GetSubject(ctx context.Context, id uuid.UUID) (model.Subject, error)
	ListSubjects(ctx context.Context, scopeID uuid.UUID, activeOnly bool, f storage.TestFilter) ([]model.Subject, error)
	InsertAssessments(ctx context.Context, assessments []model.Assessment) ([]model.Assessment, error)
	GetActiveScore(ctx context.Context, subjectID uuid.UUID) (model.CompositeScore, error)
	InsertCompositeScore(ctx context.Context, cs model.CompositeScore) (model.CompositeScore, error)
	InsertDebate(ctx context.Context, d model.Debate) (model.Debate, error)
	InsertAlerts(ctx context.Context, alerts []model.Alert) ([]model.Alert, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Recorder ingests run outcomes that may become learnings. nil disables
// recording.
type Recorder interface {
	RecordDebateOutcome(ctx context.Context, scope model.Scope, dimensionID uuid.UUID, debate model.Debate) (model.LearningQueueItem, error)
}

// Options bound the pipeline's concurrency and persistence behavior.
type Options struct {
	// BatchFanOut bounds concurrent subjects in AnalyzeScope.
	BatchFanOut int
	// InsertRetries bounds WithRetry attempts on the composite insert.
	InsertRetries int
	// RetryBaseDelay is the initial backoff for those retries.
	RetryBaseDelay time.Duration
	// ScoreValidity sets valid_until on new composites; zero means no expiry.
	ScoreValidity time.Duration
}

// Pipeline runs analyses end to end.
type Pipeline struct {
	store     Store
	collector *collector.Collector
	arbiter   *arbiter.Arbiter
	recorder  Recorder
	logger    *slog.Logger
	opts      Options

	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a pipeline. rec may be nil.
func New(store Store, col *collector.Collector, arb *arbiter.Arbiter, rec Recorder, opts Options, logger *slog.Logger) *Pipeline {
	if opts.BatchFanOut < 1 {
		opts.BatchFanOut = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 50 * time.Millisecond
	}

	meter := telemetry.Meter("vigil/pipeline")
	runs, _ := meter.Int64Counter("vigil.runs",
		metric.WithDescription("Analysis runs by outcome"))
	duration, _ := meter.Float64Histogram("vigil.run.duration",
		metric.WithDescription("End-to-end analysis run duration"),
		metric.WithUnit("ms"))

	return &Pipeline{
		store:     store,
		collector: col,
		arbiter:   arb,
		recorder:  rec,
		logger:    logger,
		opts:      opts,
		runs:      runs,
		duration:  duration,
	}
}

// Summary is the caller-facing result of one subject analysis.
type Summary struct {
	SubjectID        uuid.UUID     `json:"subject_id"`
	TaskID           uuid.UUID     `json:"task_id"`
	OverallScore     float64       `json:"overall_score"`
	Confidence       float64       `json:"confidence"`
	AssessmentCount  int           `json:"assessment_count"`
	FailedDimensions []string      `json:"failed_dimensions,omitempty"`
	DebateTriggered  bool          `json:"debate_triggered"`
	Alerts           []model.Alert `json:"alerts,omitempty"`
}

// AnalyzeSubject runs the full pipeline for one subject and returns the run
// summary. Partial dimension failures degrade the composite; zero usable
// assessments is ErrNoData. A concurrent run superseding this one surfaces
// as storage.ErrConflict: the caller re-reads the new active score instead
// of retrying blindly.
func (p *Pipeline) AnalyzeSubject(ctx context.Context, scopeID, subjectID uuid.UUID) (Summary, error) {
	start := time.Now()
	s, err := p.analyzeSubject(ctx, scopeID, subjectID)
	p.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ErrNoData) {
			outcome = "no_data"
		}
	}
	p.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return s, err
}

func (p *Pipeline) analyzeSubject(ctx context.Context, scopeID, subjectID uuid.UUID) (Summary, error) {
	scope, err := p.store.GetScope(ctx, scopeID)
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: scope %s: %w", scopeID, err)
	}
	subject, err := p.store.GetSubject(ctx, subjectID)
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: subject %s: %w", subjectID, err)
	}
	if subject.ScopeID != scope.ID {
		return Summary{}, fmt.Errorf("pipeline: subject %s is not in scope %s: %w", subjectID, scopeID, storage.ErrNotFound)
	}

	f := filterFor(subject)
	taskID := uuid.New()
	log := p.logger.With("subject", subject.Identifier, "task_id", taskID)

	col, err := p.collector.Collect(ctx, scope, subject, taskID, f)
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: %w", err)
	}

	assessments, err := p.store.InsertAssessments(ctx, col.Assessments)
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: persist assessments: %w", err)
	}

	inputs := make([]aggregate.Input, len(assessments))
	for i, a := range assessments {
		inputs[i] = aggregate.Input{
			Slug:       col.Dimensions[i].Slug,
			Score:      a.Score,
			Weight:     col.Dimensions[i].Weight,
			Confidence: a.Confidence,
		}
	}
	agg, err := aggregate.Compute(inputs)
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: subject %s: %w", subject.Identifier, err)
	}

	cs := model.CompositeScore{
		SubjectID:       subject.ID,
		TaskID:          taskID,
		Overall:         agg.Overall,
		Confidence:      agg.Confidence,
		DimensionScores: agg.DimensionScores,
		Status:          model.ScoreActive,
		IsTest:          subject.IsTest,
		TestScenarioID:  subject.TestScenarioID,
	}
	if p.opts.ScoreValidity > 0 {
		until := time.Now().Add(p.opts.ScoreValidity)
		cs.ValidUntil = &until
	}

	debateTriggered := false
	if trigger, ok := arbiter.ShouldDebate(scope, agg, scope.Thresholds); ok {
		debateTriggered = true
		pre := agg.Overall
		cs.PreDebateScore = &pre

		out := p.arbiter.Adjudicate(ctx, subject, assessments, col.Dimensions, agg, trigger, taskID)
		if out.Debate != nil {
			debate, err := p.store.InsertDebate(ctx, *out.Debate)
			if err != nil {
				return Summary{}, fmt.Errorf("pipeline: persist debate: %w", err)
			}
			cs.Overall = out.Score
			cs.DebateID = &debate.ID
			cs.DebateAdjustment = &debate.Adjustment
			cs.Adjudicated = true

			// A debate that moved the score is a learning candidate. Failing to
			// queue it never fails the run; the debate row is the durable record.
			if p.recorder != nil && debate.Adjustment != 0 {
				dimID := debateDimension(trigger, assessments, col.Dimensions)
				if _, err := p.recorder.RecordDebateOutcome(ctx, scope, dimID, debate); err != nil {
					log.Warn("debate learning enqueue failed", "debate", debate.ID, "error", err)
				}
			}
		}
	}

	prev, err := p.previousScore(ctx, subject.ID)
	if err != nil {
		return Summary{}, err
	}

	var persisted model.CompositeScore
	err = storage.WithRetry(ctx, p.opts.InsertRetries, p.opts.RetryBaseDelay, func() error {
		var insErr error
		persisted, insErr = p.store.InsertCompositeScore(ctx, cs)
		return insErr
	})
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: persist composite: %w", err)
	}

	alerts, err := p.raiseAlerts(ctx, prev, persisted, scope.Thresholds, log)
	if err != nil {
		return Summary{}, err
	}

	failed := make([]string, 0, len(col.Failures))
	for _, df := range col.Failures {
		failed = append(failed, df.Slug)
	}

	log.Info("analysis complete",
		"overall", persisted.Overall,
		"confidence", persisted.Confidence,
		"assessments", len(assessments),
		"failed_dimensions", len(failed),
		"debate", debateTriggered,
		"alerts", len(alerts))

	return Summary{
		SubjectID:        subject.ID,
		TaskID:           taskID,
		OverallScore:     persisted.Overall,
		Confidence:       persisted.Confidence,
		AssessmentCount:  len(assessments),
		FailedDimensions: failed,
		DebateTriggered:  debateTriggered,
		Alerts:           alerts,
	}, nil
}

func (p *Pipeline) previousScore(ctx context.Context, subjectID uuid.UUID) (*model.CompositeScore, error) {
	prev, err := p.store.GetActiveScore(ctx, subjectID)
	switch {
	case err == nil:
		return &prev, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("pipeline: previous score: %w", err)
	}
}

func (p *Pipeline) raiseAlerts(ctx context.Context, prev *model.CompositeScore, next model.CompositeScore, th model.Thresholds, log *slog.Logger) ([]model.Alert, error) {
	alerts := alerting.Evaluate(prev, next, th)
	if len(alerts) == 0 {
		return nil, nil
	}
	for i := range alerts {
		alerts[i].CompositeScoreID = &next.ID
	}

	inserted, err := p.store.InsertAlerts(ctx, alerts)
	if err != nil {
		return nil, fmt.Errorf("pipeline: persist alerts: %w", err)
	}
	for _, a := range inserted {
		// Notification is best effort; the alert row is the durable record.
		if err := p.store.Notify(ctx, storage.ChannelAlerts, a.ID.String()); err != nil {
			log.Warn("alert notify failed", "alert", a.ID, "error", err)
		}
	}
	return inserted, nil
}

// SubjectResult pairs one subject's run with its outcome inside a scope
// batch.
type SubjectResult struct {
	SubjectID  uuid.UUID `json:"subject_id"`
	Identifier string    `json:"identifier"`
	Summary    *Summary  `json:"summary,omitempty"`
	Err        error     `json:"-"`
	ErrMessage string    `json:"error,omitempty"`
}

// AnalyzeScope runs AnalyzeSubject for every active subject in the scope,
// bounded by Options.BatchFanOut. Subject failures are independent: one
// subject erroring never stops the rest, and the batch error is nil as long
// as the subject list itself could be loaded.
func (p *Pipeline) AnalyzeScope(ctx context.Context, scopeID uuid.UUID, f storage.TestFilter) ([]SubjectResult, error) {
	subjects, err := p.store.ListSubjects(ctx, scopeID, true, f)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list subjects: %w", err)
	}
	if len(subjects) == 0 {
		return nil, nil
	}

	results := make([]SubjectResult, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.BatchFanOut)

	for i, sub := range subjects {
		g.Go(func() error {
			res := SubjectResult{SubjectID: sub.ID, Identifier: sub.Identifier}
			summary, err := p.AnalyzeSubject(gctx, scopeID, sub.ID)
			if err != nil {
				res.Err = err
				res.ErrMessage = err.Error()
				p.logger.Warn("subject analysis failed in batch",
					"subject", sub.Identifier, "error", err)
			} else {
				res.Summary = &summary
			}
			results[i] = res
			// Independent failures: the batch keeps going.
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// debateDimension picks the dimension a debate learning attaches to: the
// least-confident dimension when low confidence triggered the debate, the
// biggest outlier from the mean score when disagreement did.
func debateDimension(trigger model.DebateTrigger, assessments []model.Assessment, dims []model.Dimension) uuid.UUID {
	best := 0
	switch trigger {
	case model.TriggerLowConfidence:
		for i, a := range assessments {
			if a.Confidence < assessments[best].Confidence {
				best = i
			}
		}
	default:
		var mean float64
		for _, a := range assessments {
			mean += a.Score
		}
		mean /= float64(len(assessments))
		for i, a := range assessments {
			if math.Abs(a.Score-mean) > math.Abs(assessments[best].Score-mean) {
				best = i
			}
		}
	}
	return dims[best].ID
}

// filterFor derives the row filter an analysis run should use: synthetic
// subjects read and write only their own scenario's rows, production
// subjects never see test rows.
func filterFor(subject model.Subject) storage.TestFilter {
	if !subject.IsTest {
		return storage.TestFilter{}
	}
	return storage.TestFilter{IncludeTest: true, ScenarioID: subject.TestScenarioID}
}
