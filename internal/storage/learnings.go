package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/vigil/internal/model"
)

const queueItemColumns = `id, scope_id, dimension_id, source, source_id,
	summary, proposal, status, reviewed_at, reviewed_by,
	is_test, test_scenario_id, created_at`

const learningColumns = `id, scope_id, dimension_id, queue_item_id, content,
	is_production, times_applied, times_helpful,
	is_test, test_scenario_id, created_at`

// InsertQueueItem adds a pending learning candidate to the review queue.
func (db *DB) InsertQueueItem(ctx context.Context, item model.LearningQueueItem) (model.LearningQueueItem, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO learning_queue
			(scope_id, dimension_id, source, source_id, summary, proposal, status, is_test, test_scenario_id)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
		RETURNING `+queueItemColumns,
		item.ScopeID, item.DimensionID, string(item.Source), item.SourceID,
		item.Summary, item.Proposal, item.IsTest, item.TestScenarioID,
	)
	out, err := scanQueueItem(row)
	if err != nil {
		return model.LearningQueueItem{}, fmt.Errorf("storage: insert queue item: %w", err)
	}
	return out, nil
}

// GetQueueItem returns a queue item by ID.
func (db *DB) GetQueueItem(ctx context.Context, id uuid.UUID) (model.LearningQueueItem, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+queueItemColumns+` FROM learning_queue WHERE id = $1`, id)
	out, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LearningQueueItem{}, ErrNotFound
	}
	if err != nil {
		return model.LearningQueueItem{}, fmt.Errorf("storage: get queue item: %w", err)
	}
	return out, nil
}

// PendingQueue returns a scope's pending learning candidates, oldest first
// (review order).
func (db *DB) PendingQueue(ctx context.Context, scopeID uuid.UUID, f TestFilter) ([]model.LearningQueueItem, error) {
	clause, args := f.clause(2)
	rows, err := db.pool.Query(ctx,
		`SELECT `+queueItemColumns+` FROM learning_queue
		 WHERE scope_id = $1 AND status = 'pending'`+clause+`
		 ORDER BY created_at`,
		append([]any{scopeID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending queue: %w", err)
	}
	defer rows.Close()

	var out []model.LearningQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: pending queue: scan: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ReviewQueueItem transitions a pending item to approved or rejected.
// Only pending items can be reviewed; anything else returns ErrConflict.
func (db *DB) ReviewQueueItem(ctx context.Context, id uuid.UUID, status model.QueueStatus, reviewer string) (model.LearningQueueItem, error) {
	if status != model.QueueApproved && status != model.QueueRejected {
		return model.LearningQueueItem{}, fmt.Errorf("storage: review queue item: invalid target status %q", status)
	}
	row := db.pool.QueryRow(ctx, `
		UPDATE learning_queue SET status = $2, reviewed_at = now(), reviewed_by = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+queueItemColumns,
		id, string(status), reviewer,
	)
	out, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if e := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM learning_queue WHERE id = $1)`, id).Scan(&exists); e != nil {
			return model.LearningQueueItem{}, fmt.Errorf("storage: review queue item: %w", e)
		}
		if exists {
			return model.LearningQueueItem{}, fmt.Errorf("storage: queue item %s already reviewed: %w", id, ErrConflict)
		}
		return model.LearningQueueItem{}, ErrNotFound
	}
	if err != nil {
		return model.LearningQueueItem{}, fmt.Errorf("storage: review queue item: %w", err)
	}
	return out, nil
}

// InsertLearning persists an approved learning.
func (db *DB) InsertLearning(ctx context.Context, l model.Learning) (model.Learning, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO learnings
			(scope_id, dimension_id, queue_item_id, content, is_production, is_test, test_scenario_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+learningColumns,
		l.ScopeID, l.DimensionID, l.QueueItemID, l.Content, l.IsProduction, l.IsTest, l.TestScenarioID,
	)
	out, err := scanLearning(row)
	if err != nil {
		return model.Learning{}, fmt.Errorf("storage: insert learning: %w", err)
	}
	return out, nil
}

// GetLearning returns a learning by ID.
func (db *DB) GetLearning(ctx context.Context, id uuid.UUID) (model.Learning, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+learningColumns+` FROM learnings WHERE id = $1`, id)
	out, err := scanLearning(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Learning{}, ErrNotFound
	}
	if err != nil {
		return model.Learning{}, fmt.Errorf("storage: get learning: %w", err)
	}
	return out, nil
}

// ListLearnings returns a dimension's learnings, newest first.
func (db *DB) ListLearnings(ctx context.Context, dimensionID uuid.UUID, f TestFilter) ([]model.Learning, error) {
	clause, args := f.clause(2)
	rows, err := db.pool.Query(ctx,
		`SELECT `+learningColumns+` FROM learnings WHERE dimension_id = $1`+clause+`
		 ORDER BY created_at DESC`,
		append([]any{dimensionID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list learnings: %w", err)
	}
	defer rows.Close()

	var out []model.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list learnings: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// IncrementTimesApplied bumps the monotonic application counter in place.
func (db *DB) IncrementTimesApplied(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE learnings SET times_applied = times_applied + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: increment times_applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementTimesHelpful bumps the monotonic helpfulness counter in place.
func (db *DB) IncrementTimesHelpful(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE learnings SET times_helpful = times_helpful + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: increment times_helpful: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLearningProduction flips the production gate on a learning.
func (db *DB) SetLearningProduction(ctx context.Context, id uuid.UUID, production bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE learnings SET is_production = $2 WHERE id = $1`, id, production)
	if err != nil {
		return fmt.Errorf("storage: set learning production: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanQueueItem(row pgx.Row) (model.LearningQueueItem, error) {
	var item model.LearningQueueItem
	var source, status string
	err := row.Scan(
		&item.ID, &item.ScopeID, &item.DimensionID, &source, &item.SourceID,
		&item.Summary, &item.Proposal, &status, &item.ReviewedAt, &item.ReviewedBy,
		&item.IsTest, &item.TestScenarioID, &item.CreatedAt,
	)
	if err != nil {
		return model.LearningQueueItem{}, err
	}
	item.Source = model.LearningSource(source)
	item.Status = model.QueueStatus(status)
	return item, nil
}

func scanLearning(row pgx.Row) (model.Learning, error) {
	var l model.Learning
	err := row.Scan(
		&l.ID, &l.ScopeID, &l.DimensionID, &l.QueueItemID, &l.Content,
		&l.IsProduction, &l.TimesApplied, &l.TimesHelpful,
		&l.IsTest, &l.TestScenarioID, &l.CreatedAt,
	)
	return l, err
}
