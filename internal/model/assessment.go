package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Assessment is one dimension's evaluation of one subject at one point in
// time. Immutable once written; TaskID ties it to the analysis run that
// produced it. ContextVersion records which DimensionContext version drove
// the model call, so behavior changes are attributable.
type Assessment struct {
	ID             uuid.UUID `json:"id"`
	SubjectID      uuid.UUID `json:"subject_id"`
	DimensionID    uuid.UUID `json:"dimension_id"`
	TaskID         uuid.UUID `json:"task_id"`
	Score          float64   `json:"score"`      // 0-100
	Confidence     float64   `json:"confidence"` // 0-1
	Rationale      string    `json:"rationale,omitempty"`
	Evidence       []string  `json:"evidence,omitempty"`
	Model          string    `json:"model,omitempty"`
	ContextVersion int       `json:"context_version"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks score and confidence ranges prior to persistence.
// Out-of-range values are rejected, never clamped: a model emitting a score
// of 140 is a parse failure, not a 100.
func (a Assessment) Validate() error {
	if a.SubjectID == uuid.Nil || a.DimensionID == uuid.Nil {
		return fmt.Errorf("model: assessment subject_id and dimension_id are required")
	}
	if a.Score < 0 || a.Score > 100 {
		return fmt.Errorf("model: assessment score must be in [0,100], got %g", a.Score)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("model: assessment confidence must be in [0,1], got %g", a.Confidence)
	}
	return nil
}
