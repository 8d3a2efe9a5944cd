// Package arbiter runs the debate stage: when a run's aggregate looks
// unreliable, a second model re-reads the individual assessments and
// adjudicates a final score. Debate failures never fail the run; the
// pre-debate aggregate stands and the composite records that no
// adjudication happened.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-ai/vigil/internal/llm"
	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/service/aggregate"
	"github.com/halcyon-ai/vigil/internal/telemetry"
)

// Arbiter escalates contested aggregates to an adjudication model.
type Arbiter struct {
	provider llm.Provider
	logger   *slog.Logger

	model   string
	timeout time.Duration

	debates   metric.Int64Counter
	latencyMS metric.Float64Histogram
}

// New creates an arbiter invoking arbiterModel for adjudication.
func New(provider llm.Provider, arbiterModel string, timeout time.Duration, logger *slog.Logger) *Arbiter {
	meter := telemetry.Meter("vigil/arbiter")
	debates, _ := meter.Int64Counter("vigil.debates",
		metric.WithDescription("Debate adjudications by trigger and outcome"))
	latency, _ := meter.Float64Histogram("vigil.debate.latency",
		metric.WithDescription("Adjudication latency"),
		metric.WithUnit("ms"))

	return &Arbiter{
		provider:  provider,
		logger:    logger,
		model:     arbiterModel,
		timeout:   timeout,
		debates:   debates,
		latencyMS: latency,
	}
}

// ShouldDebate decides whether the aggregate warrants adjudication under the
// scope's escalation policy. Returns the trigger that fired; disabled scopes
// never debate.
func ShouldDebate(scope model.Scope, agg aggregate.Result, th model.Thresholds) (model.DebateTrigger, bool) {
	if !scope.Config.DebateEnabled {
		return "", false
	}
	if agg.Confidence < th.LowConfidence {
		return model.TriggerLowConfidence, true
	}
	if agg.Spread > th.DisagreementSpread {
		return model.TriggerDisagreement, true
	}
	return "", false
}

// Outcome is what the debate stage hands back to the pipeline. When Debate
// is nil the adjudication failed and the pre-debate score stands.
type Outcome struct {
	Debate *model.Debate
	Score  float64
}

// Adjudicate re-reads the run's assessments and produces an adjudicated
// score. Any failure is logged and swallowed: the returned Outcome carries
// the pre-debate score and no debate record.
func (a *Arbiter) Adjudicate(ctx context.Context, subject model.Subject, assessments []model.Assessment, dims []model.Dimension, agg aggregate.Result, trigger model.DebateTrigger, taskID uuid.UUID) Outcome {
	failOpen := Outcome{Score: agg.Overall}

	start := time.Now()
	debate, err := a.adjudicate(ctx, subject, assessments, dims, agg, trigger, taskID)
	a.latencyMS.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("trigger", string(trigger))))
	if err != nil {
		a.debates.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", string(trigger)),
			attribute.String("outcome", "failed")))
		a.logger.Warn("debate adjudication failed, keeping pre-debate score",
			"subject", subject.Identifier,
			"trigger", trigger,
			"error", err)
		return failOpen
	}

	a.debates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", string(trigger)),
		attribute.String("outcome", "adjudicated")))
	return Outcome{Debate: debate, Score: debate.AdjudicatedScore}
}

func (a *Arbiter) adjudicate(ctx context.Context, subject model.Subject, assessments []model.Assessment, dims []model.Dimension, agg aggregate.Result, trigger model.DebateTrigger, taskID uuid.UUID) (*model.Debate, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.provider.Invoke(ctx, llm.InvokeRequest{
		System: arbiterSystemPrompt,
		User:   buildDebatePrompt(subject, assessments, dims, agg, trigger),
		Model:  a.model,
	})
	if err != nil {
		return nil, fmt.Errorf("arbiter: invoke: %w", err)
	}

	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("arbiter: %w", err)
	}

	ids := make([]uuid.UUID, len(assessments))
	for i, as := range assessments {
		ids[i] = as.ID
	}

	debate := &model.Debate{
		ID:               uuid.New(),
		SubjectID:        subject.ID,
		TaskID:           taskID,
		Trigger:          trigger,
		AssessmentIDs:    ids,
		PreScore:         agg.Overall,
		AdjudicatedScore: verdict.Score,
		Adjustment:       verdict.Score - agg.Overall,
		Rationale:        verdict.Rationale,
		Model:            resp.Model,
		IsTest:           subject.IsTest,
		TestScenarioID:   subject.TestScenarioID,
	}
	return debate, nil
}

const arbiterSystemPrompt = `You are the adjudicator for a composite risk assessment. Several specialist assessments of the same subject disagree or are individually uncertain. Weigh their rationales and evidence against each other and decide the final risk score.

Respond with a single JSON object: {"score": <0-100>, "rationale": "<how you weighed the assessments>"}`

type verdict struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

func parseVerdict(content string) (verdict, error) {
	var v verdict
	trimmed := stripFences(content)
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	if v.Score < 0 || v.Score > 100 {
		return verdict{}, fmt.Errorf("parse verdict: score %g out of range", v.Score)
	}
	return v, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func buildDebatePrompt(subject model.Subject, assessments []model.Assessment, dims []model.Dimension, agg aggregate.Result, trigger model.DebateTrigger) string {
	slugByID := make(map[uuid.UUID]string, len(dims))
	for _, d := range dims {
		slugByID[d.ID] = d.Slug
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s (%s)\n", subject.Identifier, subject.SubjectType)
	switch trigger {
	case model.TriggerLowConfidence:
		fmt.Fprintf(&b, "Escalated because the aggregate confidence is low (%.2f).\n", agg.Confidence)
	case model.TriggerDisagreement:
		fmt.Fprintf(&b, "Escalated because the assessments disagree (spread %.1f points).\n", agg.Spread)
	}
	fmt.Fprintf(&b, "Weighted aggregate before adjudication: %.1f\n\nAssessments:\n", agg.Overall)

	for _, as := range assessments {
		slug := slugByID[as.DimensionID]
		if slug == "" {
			slug = as.DimensionID.String()
		}
		fmt.Fprintf(&b, "- %s: score %.0f, confidence %.2f\n  %s\n", slug, as.Score, as.Confidence, as.Rationale)
		for _, ev := range as.Evidence {
			fmt.Fprintf(&b, "  evidence: %s\n", ev)
		}
	}
	return b.String()
}
