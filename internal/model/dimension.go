package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Dimension is one axis of risk within a scope (e.g. "market", "liquidity").
// Slug is unique per scope. Weight scales the dimension's contribution to
// the composite score and must be in [0,2]; a weight of 0 keeps historical
// assessments valid while removing the dimension from new aggregates.
// Dimensions are deactivated, never deleted.
type Dimension struct {
	ID           uuid.UUID `json:"id"`
	ScopeID      uuid.UUID `json:"scope_id"`
	Slug         string    `json:"slug"`
	DisplayName  string    `json:"display_name"`
	Weight       float64   `json:"weight"`
	DisplayOrder int       `json:"display_order"`
	IsActive     bool      `json:"is_active"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields and weight range prior to creation.
func (d Dimension) Validate() error {
	if d.ScopeID == uuid.Nil {
		return fmt.Errorf("model: dimension scope_id is required")
	}
	if d.Slug == "" {
		return fmt.Errorf("model: dimension slug is required")
	}
	if d.Weight < 0 || d.Weight > 2 {
		return fmt.Errorf("model: dimension weight must be in [0,2], got %g", d.Weight)
	}
	return nil
}

// ContextExample is a few-shot example attached to a dimension context.
type ContextExample struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// DimensionContext is an immutable, versioned snapshot of how a dimension
// is assessed: the system instructions sent to the model, the JSON shape
// the response must satisfy, and optional few-shot examples.
//
// Versions auto-increment from the dimension's prior maximum; exactly one
// version per dimension is active at a time. Rows are never mutated after
// creation except for the is_active flag flip during version swaps.
type DimensionContext struct {
	ID                 uuid.UUID        `json:"id"`
	DimensionID        uuid.UUID        `json:"dimension_id"`
	Version            int              `json:"version"`
	SystemInstructions string           `json:"system_instructions"`
	OutputSchema       json.RawMessage  `json:"output_schema,omitempty"`
	Examples           []ContextExample `json:"examples,omitempty"`
	IsActive           bool             `json:"is_active"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields prior to creation.
func (c DimensionContext) Validate() error {
	if c.DimensionID == uuid.Nil {
		return fmt.Errorf("model: context dimension_id is required")
	}
	if c.SystemInstructions == "" {
		return fmt.Errorf("model: context system_instructions is required")
	}
	return nil
}
