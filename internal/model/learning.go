package model

import (
	"time"

	"github.com/google/uuid"
)

// LearningSource identifies which outcome produced a learning candidate.
type LearningSource string

const (
	SourceAlertAck LearningSource = "alert_ack"
	SourceDebate   LearningSource = "debate"
	SourceVerdict  LearningSource = "verdict"
)

// QueueStatus is the review state of a learning queue item.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueApproved QueueStatus = "approved"
	QueueRejected QueueStatus = "rejected"
)

// LearningQueueItem is a candidate behavioral adjustment discovered from an
// outcome (an acknowledged alert, a debate, an evaluation verdict). Items sit
// in pending until a human review approves or rejects them; approval creates
// a Learning.
type LearningQueueItem struct {
	ID          uuid.UUID      `json:"id"`
	ScopeID     uuid.UUID      `json:"scope_id"`
	DimensionID uuid.UUID      `json:"dimension_id"`
	Source      LearningSource `json:"source"`
	SourceID    uuid.UUID      `json:"source_id"`
	Summary     string         `json:"summary"`
	Proposal    string         `json:"proposal"`
	Status      QueueStatus    `json:"status"`

	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy *string    `json:"reviewed_by,omitempty"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Learning is an approved behavioral adjustment. Only production learnings
// (IsProduction=true) are eligible for automatic application; applying one
// creates a new DimensionContext version carrying the learning content.
//
// TimesApplied and TimesHelpful are independent monotonic counters,
// incremented in place and never recomputed from raw logs.
type Learning struct {
	ID           uuid.UUID `json:"id"`
	ScopeID      uuid.UUID `json:"scope_id"`
	DimensionID  uuid.UUID `json:"dimension_id"`
	QueueItemID  uuid.UUID `json:"queue_item_id"`
	Content      string    `json:"content"`
	IsProduction bool      `json:"is_production"`
	TimesApplied int       `json:"times_applied"`
	TimesHelpful int       `json:"times_helpful"`

	IsTest         bool       `json:"is_test,omitempty"`
	TestScenarioID *uuid.UUID `json:"test_scenario_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
