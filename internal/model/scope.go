// Package model defines the core domain entities for the risk pipeline:
// scopes, subjects, dimensions, assessments, composite scores, debates,
// alerts, and learnings.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Domain is the analysis domain a scope operates in.
type Domain string

const (
	DomainInvestment Domain = "investment"
	DomainBusiness   Domain = "business"
	DomainProject    Domain = "project"
	DomainPersonal   Domain = "personal"
)

// ValidDomain reports whether d is a recognized analysis domain.
func ValidDomain(d Domain) bool {
	switch d {
	case DomainInvestment, DomainBusiness, DomainProject, DomainPersonal:
		return true
	}
	return false
}

// ScopeConfig holds per-scope feature switches for optional analysis stages.
type ScopeConfig struct {
	DebateEnabled      bool `json:"debate_enabled"`
	CorrelationEnabled bool `json:"correlation_enabled"`
}

// Thresholds holds the scope-configured alerting and escalation policy.
// All values are set at scope creation and may be updated by an operator;
// the pipeline never mutates them.
type Thresholds struct {
	// Warning and Critical are absolute composite-score breach levels (0-100).
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`

	// RapidChangePct is the relative score change (percent) that triggers a
	// rapid_change alert when the previous and new scores fall within
	// RapidChangeWindow of each other.
	RapidChangePct    float64       `json:"rapid_change_pct"`
	RapidChangeWindow time.Duration `json:"rapid_change_window"`

	// DimensionSpikeDelta is the absolute per-dimension score movement that
	// triggers a dimension_spike alert.
	DimensionSpikeDelta float64 `json:"dimension_spike_delta"`

	// StaleHours flags subjects whose newest assessment is older than this.
	StaleHours int `json:"stale_hours"`

	// LowConfidence and DisagreementSpread are the debate escalation policy:
	// debate triggers when aggregate confidence drops below LowConfidence or
	// the max-min spread of dimension scores exceeds DisagreementSpread.
	LowConfidence      float64 `json:"low_confidence"`
	DisagreementSpread float64 `json:"disagreement_spread"`
}

// DefaultThresholds returns the baseline policy applied to new scopes.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:             60,
		Critical:            80,
		RapidChangePct:      15,
		RapidChangeWindow:   24 * time.Hour,
		DimensionSpikeDelta: 25,
		StaleHours:          24,
		LowConfidence:       0.35,
		DisagreementSpread:  40,
	}
}

// Validate checks threshold ordering and ranges.
func (t Thresholds) Validate() error {
	if t.Warning < 0 || t.Warning > 100 || t.Critical < 0 || t.Critical > 100 {
		return fmt.Errorf("model: breach thresholds must be in [0,100], got warning=%g critical=%g", t.Warning, t.Critical)
	}
	if t.Warning >= t.Critical {
		return fmt.Errorf("model: warning threshold (%g) must be below critical (%g)", t.Warning, t.Critical)
	}
	if t.RapidChangePct < 0 {
		return fmt.Errorf("model: rapid_change_pct must be non-negative, got %g", t.RapidChangePct)
	}
	if t.DimensionSpikeDelta < 0 {
		return fmt.Errorf("model: dimension_spike_delta must be non-negative, got %g", t.DimensionSpikeDelta)
	}
	if t.StaleHours <= 0 {
		return fmt.Errorf("model: stale_hours must be positive, got %d", t.StaleHours)
	}
	if t.LowConfidence < 0 || t.LowConfidence > 1 {
		return fmt.Errorf("model: low_confidence must be in [0,1], got %g", t.LowConfidence)
	}
	if t.DisagreementSpread < 0 || t.DisagreementSpread > 100 {
		return fmt.Errorf("model: disagreement_spread must be in [0,100], got %g", t.DisagreementSpread)
	}
	return nil
}

// Scope is a named analysis context owning dimensions, thresholds, and
// subjects. Unique per (org, agent, name). The domain is immutable after
// creation; scopes are soft-deactivated, never deleted, while subjects
// still reference them.
type Scope struct {
	ID         uuid.UUID   `json:"id"`
	OrgID      uuid.UUID   `json:"org_id"`
	AgentID    string      `json:"agent_id"`
	Name       string      `json:"name"`
	Domain     Domain      `json:"domain"`
	Config     ScopeConfig `json:"config"`
	Thresholds Thresholds  `json:"thresholds"`
	IsActive   bool        `json:"is_active"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields on a scope prior to creation.
func (s Scope) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("model: scope name is required")
	}
	if s.AgentID == "" {
		return fmt.Errorf("model: scope agent_id is required")
	}
	if !ValidDomain(s.Domain) {
		return fmt.Errorf("model: unknown scope domain %q", s.Domain)
	}
	return s.Thresholds.Validate()
}
