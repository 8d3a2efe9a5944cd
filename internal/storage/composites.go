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

const compositeColumns = `id, subject_id, task_id, overall_score, confidence,
	dimension_scores, pre_debate_score, debate_id, debate_adjustment, adjudicated,
	status, valid_until, is_test, test_scenario_id, created_at`

// InsertCompositeScore persists a new active composite score for a subject,
// superseding any prior active score, inside a single transaction.
//
// The supersede UPDATE happens-before the INSERT becomes visible, so there
// is never a window with two active rows. A partial unique index on
// (subject_id) WHERE status = 'active' backstops the invariant: if a
// concurrent run commits first, the INSERT hits the index and this call
// returns ErrConflict, which the pipeline caller must handle by re-running.
func (db *DB) InsertCompositeScore(ctx context.Context, cs model.CompositeScore) (model.CompositeScore, error) {
	if cs.Overall < 0 || cs.Overall > 100 {
		return model.CompositeScore{}, fmt.Errorf("model: composite overall_score must be in [0,100], got %g", cs.Overall)
	}
	if cs.Confidence < 0 || cs.Confidence > 1 {
		return model.CompositeScore{}, fmt.Errorf("model: composite confidence must be in [0,1], got %g", cs.Confidence)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.CompositeScore{}, fmt.Errorf("storage: insert composite: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE composite_scores SET status = 'superseded' WHERE subject_id = $1 AND status = 'active'`,
		cs.SubjectID,
	); err != nil {
		return model.CompositeScore{}, fmt.Errorf("storage: insert composite: supersede: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO composite_scores
			(subject_id, task_id, overall_score, confidence, dimension_scores,
			 pre_debate_score, debate_id, debate_adjustment, adjudicated,
			 status, valid_until, is_test, test_scenario_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'active', $10, $11, $12)
		RETURNING `+compositeColumns,
		cs.SubjectID, cs.TaskID, cs.Overall, cs.Confidence, cs.DimensionScores,
		cs.PreDebateScore, cs.DebateID, cs.DebateAdjustment, cs.Adjudicated,
		cs.ValidUntil, cs.IsTest, cs.TestScenarioID,
	)
	out, err := scanComposite(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.CompositeScore{}, fmt.Errorf("storage: insert composite for subject %s: %w", cs.SubjectID, ErrConflict)
		}
		return model.CompositeScore{}, fmt.Errorf("storage: insert composite: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.CompositeScore{}, fmt.Errorf("storage: insert composite: commit: %w", err)
	}
	return out, nil
}

// GetActiveScore returns the subject's single active composite score, or
// ErrNotFound when none exists.
func (db *DB) GetActiveScore(ctx context.Context, subjectID uuid.UUID) (model.CompositeScore, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+compositeColumns+` FROM composite_scores WHERE subject_id = $1 AND status = 'active'`,
		subjectID)
	out, err := scanComposite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CompositeScore{}, ErrNotFound
	}
	if err != nil {
		return model.CompositeScore{}, fmt.Errorf("storage: get active score: %w", err)
	}
	return out, nil
}

// GetCompositeScore returns a composite score by ID.
func (db *DB) GetCompositeScore(ctx context.Context, id uuid.UUID) (model.CompositeScore, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+compositeColumns+` FROM composite_scores WHERE id = $1`, id)
	out, err := scanComposite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CompositeScore{}, ErrNotFound
	}
	if err != nil {
		return model.CompositeScore{}, fmt.Errorf("storage: get composite: %w", err)
	}
	return out, nil
}

// ScoreHistory returns a subject's composite scores, newest first, bounded
// by limit.
func (db *DB) ScoreHistory(ctx context.Context, subjectID uuid.UUID, limit int, f TestFilter) ([]model.CompositeScore, error) {
	if limit <= 0 {
		limit = 50
	}
	clause, args := f.clause(3)
	rows, err := db.pool.Query(ctx,
		`SELECT `+compositeColumns+` FROM composite_scores WHERE subject_id = $1`+clause+`
		 ORDER BY created_at DESC LIMIT $2`,
		append([]any{subjectID, limit}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: score history: %w", err)
	}
	defer rows.Close()

	var out []model.CompositeScore
	for rows.Next() {
		cs, err := scanComposite(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: score history: scan: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// SupersedeActiveScores marks all active scores for a subject superseded and
// returns how many rows changed. Normally InsertCompositeScore does this in
// its own transaction; this standalone form exists for subject retirement.
func (db *DB) SupersedeActiveScores(ctx context.Context, subjectID uuid.UUID) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE composite_scores SET status = 'superseded' WHERE subject_id = $1 AND status = 'active'`,
		subjectID)
	if err != nil {
		return 0, fmt.Errorf("storage: supersede active scores: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExpireScores marks active scores whose valid_until has passed as expired.
// Run from a periodic sweep. Returns the number of rows expired.
func (db *DB) ExpireScores(ctx context.Context, now time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE composite_scores SET status = 'expired'
		 WHERE status = 'active' AND valid_until IS NOT NULL AND valid_until < $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("storage: expire scores: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanComposite(row pgx.Row) (model.CompositeScore, error) {
	var cs model.CompositeScore
	var status string
	err := row.Scan(
		&cs.ID, &cs.SubjectID, &cs.TaskID, &cs.Overall, &cs.Confidence,
		&cs.DimensionScores, &cs.PreDebateScore, &cs.DebateID, &cs.DebateAdjustment, &cs.Adjudicated,
		&status, &cs.ValidUntil, &cs.IsTest, &cs.TestScenarioID, &cs.CreatedAt,
	)
	if err != nil {
		return model.CompositeScore{}, err
	}
	cs.Status = model.ScoreStatus(status)
	return cs, nil
}
