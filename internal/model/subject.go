package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubjectType classifies what kind of entity a subject is.
type SubjectType string

const (
	SubjectStock    SubjectType = "stock"
	SubjectCrypto   SubjectType = "crypto"
	SubjectDecision SubjectType = "decision"
	SubjectProject  SubjectType = "project"
)

// ValidSubjectType reports whether t is a recognized subject type.
func ValidSubjectType(t SubjectType) bool {
	switch t {
	case SubjectStock, SubjectCrypto, SubjectDecision, SubjectProject:
		return true
	}
	return false
}

// Subject is an entity being risk-assessed within exactly one scope.
// Identifier is unique per scope (e.g. a ticker symbol or project key).
type Subject struct {
	ID          uuid.UUID      `json:"id"`
	ScopeID     uuid.UUID      `json:"scope_id"`
	Identifier  string         `json:"identifier"`
	SubjectType SubjectType    `json:"subject_type"`
	DisplayName string         `json:"display_name"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsActive    bool           `json:"is_active"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields on a subject prior to creation.
func (s Subject) Validate() error {
	if s.ScopeID == uuid.Nil {
		return fmt.Errorf("model: subject scope_id is required")
	}
	if s.Identifier == "" {
		return fmt.Errorf("model: subject identifier is required")
	}
	if !ValidSubjectType(s.SubjectType) {
		return fmt.Errorf("model: unknown subject type %q", s.SubjectType)
	}
	return nil
}
