package model

import (
	"time"

	"github.com/google/uuid"
)

// ScoreStatus is the lifecycle state of a composite score.
type ScoreStatus string

const (
	// ScoreActive is the single current score for a subject.
	ScoreActive ScoreStatus = "active"
	// ScoreSuperseded means a newer score replaced this one.
	ScoreSuperseded ScoreStatus = "superseded"
	// ScoreExpired is assigned by the expiry sweep when valid_until has
	// passed and no newer score exists.
	ScoreExpired ScoreStatus = "expired"
)

// CompositeScore is the weighted aggregate of all dimension assessments for
// one subject at one analysis run.
//
// At most one row per subject may hold status=active at any time; the
// storage layer enforces this by superseding prior active rows and inserting
// the new one inside a single transaction, backstopped by a partial unique
// index.
type CompositeScore struct {
	ID         uuid.UUID `json:"id"`
	SubjectID  uuid.UUID `json:"subject_id"`
	TaskID     uuid.UUID `json:"task_id"`
	Overall    float64   `json:"overall_score"` // 0-100
	Confidence float64   `json:"confidence"`    // 0-1

	// DimensionScores is the full slug→score map from the run, persisted so
	// history and spike comparisons don't need to re-join assessments.
	DimensionScores map[string]float64 `json:"dimension_scores"`

	// Debate adjudication results. PreDebateScore holds the pre-adjudication
	// aggregate when a debate ran; Adjudicated is false when the debate stage
	// was triggered but its model call failed (fail-open).
	PreDebateScore   *float64   `json:"pre_debate_score,omitempty"`
	DebateID         *uuid.UUID `json:"debate_id,omitempty"`
	DebateAdjustment *float64   `json:"debate_adjustment,omitempty"`
	Adjudicated      bool       `json:"adjudicated"`

	Status     ScoreStatus `json:"status"`
	ValidUntil *time.Time  `json:"valid_until,omitempty"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DebateTrigger records which escalation condition fired.
type DebateTrigger string

const (
	TriggerLowConfidence DebateTrigger = "low_confidence"
	TriggerDisagreement  DebateTrigger = "disagreement"
)

// Debate is the record of one adjudication pass: the assessments it saw,
// the score it produced, and the delta applied to the pre-debate aggregate.
// Immutable.
type Debate struct {
	ID               uuid.UUID     `json:"id"`
	SubjectID        uuid.UUID     `json:"subject_id"`
	TaskID           uuid.UUID     `json:"task_id"`
	Trigger          DebateTrigger `json:"trigger"`
	AssessmentIDs    []uuid.UUID   `json:"assessment_ids"`
	PreScore         float64       `json:"pre_score"`
	AdjudicatedScore float64       `json:"adjudicated_score"`
	Adjustment       float64       `json:"adjustment"`
	Rationale        string        `json:"rationale,omitempty"`
	Model            string        `json:"model,omitempty"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
