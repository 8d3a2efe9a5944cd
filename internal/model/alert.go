package model

import (
	"time"

	"github.com/google/uuid"
)

// AlertType identifies which alerting rule produced an alert.
type AlertType string

const (
	AlertThresholdBreach AlertType = "threshold_breach"
	AlertRapidChange     AlertType = "rapid_change"
	AlertDimensionSpike  AlertType = "dimension_spike"
	AlertStaleAssessment AlertType = "stale_assessment"
)

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a derived notification emitted when a composite score crosses a
// scope-configured condition. Alerts are write-once: the only mutation ever
// applied is acknowledgement, set exactly once by a human action.
// CompositeScoreID is nil for stale_assessment alerts, which are produced by
// a sweep rather than a scoring run.
type Alert struct {
	ID               uuid.UUID  `json:"id"`
	SubjectID        uuid.UUID  `json:"subject_id"`
	CompositeScoreID *uuid.UUID `json:"composite_score_id,omitempty"`

	AlertType AlertType      `json:"alert_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Acknowledged reports whether the alert has been acknowledged.
func (a Alert) Acknowledged() bool {
	return a.AcknowledgedAt != nil
}
