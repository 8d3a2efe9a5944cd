// Package alerting derives alerts from composite scores. Evaluate is pure
// rule application over one score transition; the sweeps cover conditions
// that no scoring run observes, subjects going stale and scores outliving
// their validity window.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/storage"
	"github.com/halcyon-ai/vigil/internal/telemetry"
)

// Evaluate applies the scope's alert rules to one score transition and
// returns the alerts to raise, in rule order: threshold_breach, then
// rapid_change, then dimension_spike. prev is nil on a subject's first
// score. The returned alerts carry no CompositeScoreID; the caller links
// them to the persisted score.
//
// Evaluation is deterministic: the same transition under the same
// thresholds always yields the same alerts.
func Evaluate(prev *model.CompositeScore, next model.CompositeScore, th model.Thresholds) []model.Alert {
	var alerts []model.Alert

	if a, ok := thresholdBreach(next, th); ok {
		alerts = append(alerts, a)
	}
	if prev != nil {
		if a, ok := rapidChange(*prev, next, th); ok {
			alerts = append(alerts, a)
		}
		alerts = append(alerts, dimensionSpikes(*prev, next, th)...)
	}

	for i := range alerts {
		alerts[i].SubjectID = next.SubjectID
		alerts[i].IsTest = next.IsTest
		alerts[i].TestScenarioID = next.TestScenarioID
	}
	return alerts
}

func thresholdBreach(next model.CompositeScore, th model.Thresholds) (model.Alert, bool) {
	var severity model.Severity
	var threshold float64
	switch {
	case next.Overall >= th.Critical:
		severity, threshold = model.SeverityCritical, th.Critical
	case next.Overall >= th.Warning:
		severity, threshold = model.SeverityWarning, th.Warning
	default:
		return model.Alert{}, false
	}

	return model.Alert{
		AlertType: model.AlertThresholdBreach,
		Severity:  severity,
		Message:   fmt.Sprintf("composite score %.1f breached the %s threshold %.0f", next.Overall, severity, threshold),
		Details: map[string]any{
			"score":     next.Overall,
			"threshold": threshold,
		},
	}, true
}

func rapidChange(prev, next model.CompositeScore, th model.Thresholds) (model.Alert, bool) {
	// The window is the separation between the two scores, not their age at
	// evaluation time, so re-evaluating a historical pair gives the same answer.
	if th.RapidChangeWindow > 0 && next.CreatedAt.Sub(prev.CreatedAt) > th.RapidChangeWindow {
		return model.Alert{}, false
	}

	// Relative change against the previous score, floored at 1 so a
	// near-zero baseline cannot divide the delta into absurdity.
	base := math.Max(prev.Overall, 1)
	changePct := math.Abs(next.Overall-prev.Overall) / base * 100
	if changePct < th.RapidChangePct {
		return model.Alert{}, false
	}

	return model.Alert{
		AlertType: model.AlertRapidChange,
		Severity:  model.SeverityWarning,
		Message:   fmt.Sprintf("composite score moved %.1f%% (%.1f to %.1f) within the change window", changePct, prev.Overall, next.Overall),
		Details: map[string]any{
			"previous_score": prev.Overall,
			"new_score":      next.Overall,
			"change_percent": changePct,
			"window":         th.RapidChangeWindow.String(),
		},
	}, true
}

func dimensionSpikes(prev, next model.CompositeScore, th model.Thresholds) []model.Alert {
	slugs := make([]string, 0, len(next.DimensionScores))
	for slug := range next.DimensionScores {
		if _, ok := prev.DimensionScores[slug]; ok {
			slugs = append(slugs, slug)
		}
	}
	sort.Strings(slugs)

	var alerts []model.Alert
	for _, slug := range slugs {
		before, after := prev.DimensionScores[slug], next.DimensionScores[slug]
		delta := after - before
		if math.Abs(delta) <= th.DimensionSpikeDelta {
			continue
		}
		alerts = append(alerts, model.Alert{
			AlertType: model.AlertDimensionSpike,
			Severity:  model.SeverityWarning,
			Message:   fmt.Sprintf("dimension %s moved %+.1f points (%.1f to %.1f)", slug, delta, before, after),
			Details: map[string]any{
				"dimension":      slug,
				"previous_score": before,
				"new_score":      after,
				"delta":          delta,
			},
		})
	}
	return alerts
}

// SweepStore is the storage surface the background sweeps need.
type SweepStore interface {
	StaleSubjects(ctx context.Context, scopeID uuid.UUID, cutoff time.Time, f storage.TestFilter) ([]model.Subject, error)
	HasOpenStaleAlert(ctx context.Context, subjectID uuid.UUID) (bool, error)
	InsertAlerts(ctx context.Context, alerts []model.Alert) ([]model.Alert, error)
	ExpireScores(ctx context.Context, now time.Time) (int, error)
}

// Sweeper runs the stale-assessment and score-expiry sweeps.
type Sweeper struct {
	store  SweepStore
	logger *slog.Logger

	swept metric.Int64Counter
}

// NewSweeper creates a sweeper over store.
func NewSweeper(store SweepStore, logger *slog.Logger) *Sweeper {
	meter := telemetry.Meter("vigil/alerting")
	swept, _ := meter.Int64Counter("vigil.sweeps",
		metric.WithDescription("Rows touched by background sweeps, by sweep kind"))
	return &Sweeper{store: store, logger: logger, swept: swept}
}

// StaleSweep raises a stale_assessment alert for every active subject in
// scope whose newest assessment is older than the scope's staleness window.
// A subject with an open (unacknowledged) stale alert is skipped, so the
// sweep is idempotent: re-running it raises nothing new until the existing
// alert is acknowledged. Returns the alerts raised.
func (s *Sweeper) StaleSweep(ctx context.Context, scope model.Scope, now time.Time, f storage.TestFilter) ([]model.Alert, error) {
	cutoff := now.Add(-time.Duration(scope.Thresholds.StaleHours) * time.Hour)
	subjects, err := s.store.StaleSubjects(ctx, scope.ID, cutoff, f)
	if err != nil {
		return nil, fmt.Errorf("alerting: stale sweep: %w", err)
	}

	var alerts []model.Alert
	for _, sub := range subjects {
		open, err := s.store.HasOpenStaleAlert(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("alerting: stale sweep: %w", err)
		}
		if open {
			continue
		}
		alerts = append(alerts, model.Alert{
			SubjectID: sub.ID,
			AlertType: model.AlertStaleAssessment,
			Severity:  model.SeverityInfo,
			Message:   fmt.Sprintf("subject %s has no assessment newer than %dh", sub.Identifier, scope.Thresholds.StaleHours),
			Details: map[string]any{
				"stale_hours": scope.Thresholds.StaleHours,
			},
			IsTest:         sub.IsTest,
			TestScenarioID: sub.TestScenarioID,
		})
	}
	if len(alerts) == 0 {
		return nil, nil
	}

	inserted, err := s.store.InsertAlerts(ctx, alerts)
	if err != nil {
		return nil, fmt.Errorf("alerting: stale sweep: %w", err)
	}
	s.swept.Add(ctx, int64(len(inserted)), metric.WithAttributes(attribute.String("sweep", "stale")))
	s.logger.Info("stale sweep raised alerts", "scope", scope.Name, "count", len(inserted))
	return inserted, nil
}

// ExpirySweep marks active scores past their valid_until as expired.
func (s *Sweeper) ExpirySweep(ctx context.Context, now time.Time) (int, error) {
	n, err := s.store.ExpireScores(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("alerting: expiry sweep: %w", err)
	}
	if n > 0 {
		s.swept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep", "expiry")))
		s.logger.Info("expired stale scores", "count", n)
	}
	return n, nil
}
