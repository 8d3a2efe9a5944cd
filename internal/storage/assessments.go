package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/vigil/internal/model"
)

const assessmentColumns = `id, subject_id, dimension_id, task_id, score,
	confidence, rationale, evidence, model, context_version,
	is_test, test_scenario_id, created_at`

// InsertAssessments writes one run's assessments in a single transaction.
// Assessments are immutable; there is no update path.
func (db *DB) InsertAssessments(ctx context.Context, assessments []model.Assessment) ([]model.Assessment, error) {
	if len(assessments) == 0 {
		return nil, nil
	}
	for _, a := range assessments {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: insert assessments: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	out := make([]model.Assessment, 0, len(assessments))
	for _, a := range assessments {
		row := tx.QueryRow(ctx, `
			INSERT INTO assessments
				(subject_id, dimension_id, task_id, score, confidence, rationale, evidence, model, context_version, is_test, test_scenario_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING `+assessmentColumns,
			a.SubjectID, a.DimensionID, a.TaskID, a.Score, a.Confidence,
			a.Rationale, a.Evidence, a.Model, a.ContextVersion, a.IsTest, a.TestScenarioID,
		)
		stored, err := scanAssessment(row)
		if err != nil {
			return nil, fmt.Errorf("storage: insert assessments: %w", err)
		}
		out = append(out, stored)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: insert assessments: commit: %w", err)
	}
	return out, nil
}

// LatestAssessments returns the most recent assessment per dimension for a
// subject.
func (db *DB) LatestAssessments(ctx context.Context, subjectID uuid.UUID, f TestFilter) ([]model.Assessment, error) {
	clause, args := f.clause(2)
	rows, err := db.pool.Query(ctx, `
		SELECT DISTINCT ON (dimension_id) `+assessmentColumns+`
		FROM assessments
		WHERE subject_id = $1`+clause+`
		ORDER BY dimension_id, created_at DESC`,
		append([]any{subjectID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: latest assessments: %w", err)
	}
	defer rows.Close()

	var out []model.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: latest assessments: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAssessmentsByTask returns all assessments produced by one analysis
// run.
func (db *DB) ListAssessmentsByTask(ctx context.Context, taskID uuid.UUID) ([]model.Assessment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE task_id = $1 ORDER BY created_at`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list assessments by task: %w", err)
	}
	defer rows.Close()

	var out []model.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list assessments by task: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestAssessmentTime returns when a subject was last assessed.
// Returns ErrNotFound when the subject has no assessments at all.
func (db *DB) LatestAssessmentTime(ctx context.Context, subjectID uuid.UUID, f TestFilter) (time.Time, error) {
	clause, args := f.clause(2)
	var ts *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM assessments WHERE subject_id = $1`+clause,
		append([]any{subjectID}, args...)...,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: latest assessment time: %w", err)
	}
	if ts == nil {
		return time.Time{}, ErrNotFound
	}
	return *ts, nil
}

// GetAssessment returns an assessment by ID.
func (db *DB) GetAssessment(ctx context.Context, id uuid.UUID) (model.Assessment, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE id = $1`, id)
	out, err := scanAssessment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Assessment{}, ErrNotFound
	}
	if err != nil {
		return model.Assessment{}, fmt.Errorf("storage: get assessment: %w", err)
	}
	return out, nil
}

func scanAssessment(row pgx.Row) (model.Assessment, error) {
	var a model.Assessment
	err := row.Scan(
		&a.ID, &a.SubjectID, &a.DimensionID, &a.TaskID, &a.Score,
		&a.Confidence, &a.Rationale, &a.Evidence, &a.Model, &a.ContextVersion,
		&a.IsTest, &a.TestScenarioID, &a.CreatedAt,
	)
	return a, err
}
