package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/vigil/internal/model"
)

const debateColumns = `id, subject_id, task_id, trigger_reason, assessment_ids,
	pre_score, adjudicated_score, adjustment, rationale, model,
	is_test, test_scenario_id, created_at`

// InsertDebate records one adjudication pass. Debates are immutable.
func (db *DB) InsertDebate(ctx context.Context, d model.Debate) (model.Debate, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO debates
			(subject_id, task_id, trigger_reason, assessment_ids, pre_score,
			 adjudicated_score, adjustment, rationale, model, is_test, test_scenario_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+debateColumns,
		d.SubjectID, d.TaskID, string(d.Trigger), d.AssessmentIDs, d.PreScore,
		d.AdjudicatedScore, d.Adjustment, d.Rationale, d.Model, d.IsTest, d.TestScenarioID,
	)
	out, err := scanDebate(row)
	if err != nil {
		return model.Debate{}, fmt.Errorf("storage: insert debate: %w", err)
	}
	return out, nil
}

// GetDebate returns a debate by ID.
func (db *DB) GetDebate(ctx context.Context, id uuid.UUID) (model.Debate, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+debateColumns+` FROM debates WHERE id = $1`, id)
	out, err := scanDebate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Debate{}, ErrNotFound
	}
	if err != nil {
		return model.Debate{}, fmt.Errorf("storage: get debate: %w", err)
	}
	return out, nil
}

// ListDebates returns a subject's debates, newest first.
func (db *DB) ListDebates(ctx context.Context, subjectID uuid.UUID, limit int, f TestFilter) ([]model.Debate, error) {
	if limit <= 0 {
		limit = 50
	}
	clause, args := f.clause(3)
	rows, err := db.pool.Query(ctx,
		`SELECT `+debateColumns+` FROM debates WHERE subject_id = $1`+clause+`
		 ORDER BY created_at DESC LIMIT $2`,
		append([]any{subjectID, limit}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list debates: %w", err)
	}
	defer rows.Close()

	var out []model.Debate
	for rows.Next() {
		d, err := scanDebate(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list debates: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDebate(row pgx.Row) (model.Debate, error) {
	var d model.Debate
	var trigger string
	err := row.Scan(
		&d.ID, &d.SubjectID, &d.TaskID, &trigger, &d.AssessmentIDs,
		&d.PreScore, &d.AdjudicatedScore, &d.Adjustment, &d.Rationale, &d.Model,
		&d.IsTest, &d.TestScenarioID, &d.CreatedAt,
	)
	if err != nil {
		return model.Debate{}, err
	}
	d.Trigger = model.DebateTrigger(trigger)
	return d, nil
}
