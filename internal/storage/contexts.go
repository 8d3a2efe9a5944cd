package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/vigil/internal/model"
)

const contextColumns = `id, dimension_id, version, system_instructions,
	output_schema, examples, is_active, is_test, test_scenario_id, created_at`

// CreateContextVersion inserts the next context version for a dimension and
// makes it the single active one, all in one transaction. The version number
// auto-increments from the dimension's prior maximum; the dimension row is
// locked for the duration so two concurrent creations cannot mint the same
// version.
func (db *DB) CreateContextVersion(ctx context.Context, c model.DimensionContext) (model.DimensionContext, error) {
	if err := c.Validate(); err != nil {
		return model.DimensionContext{}, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.DimensionContext{}, fmt.Errorf("storage: create context: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// Serialize version creation per dimension.
	var dimExists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM dimensions WHERE id = $1 FOR UPDATE)`, c.DimensionID,
	).Scan(&dimExists)
	if err != nil {
		return model.DimensionContext{}, fmt.Errorf("storage: create context: lock dimension: %w", err)
	}
	if !dimExists {
		return model.DimensionContext{}, ErrNotFound
	}

	var maxVersion int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM dimension_contexts WHERE dimension_id = $1`,
		c.DimensionID,
	).Scan(&maxVersion)
	if err != nil {
		return model.DimensionContext{}, fmt.Errorf("storage: create context: max version: %w", err)
	}

	// Retire the current active version before the new one becomes visible.
	if _, err := tx.Exec(ctx,
		`UPDATE dimension_contexts SET is_active = FALSE WHERE dimension_id = $1 AND is_active = TRUE`,
		c.DimensionID,
	); err != nil {
		return model.DimensionContext{}, fmt.Errorf("storage: create context: retire active: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO dimension_contexts
			(dimension_id, version, system_instructions, output_schema, examples, is_active, is_test, test_scenario_id)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		RETURNING `+contextColumns,
		c.DimensionID, maxVersion+1, c.SystemInstructions, c.OutputSchema, c.Examples, c.IsTest, c.TestScenarioID,
	)
	out, err := scanContext(row)
	if err != nil {
		return model.DimensionContext{}, fmt.Errorf("storage: create context: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.DimensionContext{}, fmt.Errorf("storage: create context: commit: %w", err)
	}
	return out, nil
}

// GetActiveContext returns the single active context version for a
// dimension, or ErrNotFound when none is active.
func (db *DB) GetActiveContext(ctx context.Context, dimensionID uuid.UUID) (model.DimensionContext, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+contextColumns+` FROM dimension_contexts WHERE dimension_id = $1 AND is_active = TRUE`,
		dimensionID)
	out, err := scanContext(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DimensionContext{}, ErrNotFound
	}
	if err != nil {
		return model.DimensionContext{}, fmt.Errorf("storage: get active context: %w", err)
	}
	return out, nil
}

// ListContextVersions returns all context versions for a dimension, newest
// version first.
func (db *DB) ListContextVersions(ctx context.Context, dimensionID uuid.UUID) ([]model.DimensionContext, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contextColumns+` FROM dimension_contexts WHERE dimension_id = $1 ORDER BY version DESC`,
		dimensionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list context versions: %w", err)
	}
	defer rows.Close()

	var out []model.DimensionContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list context versions: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContext(row pgx.Row) (model.DimensionContext, error) {
	var c model.DimensionContext
	err := row.Scan(
		&c.ID, &c.DimensionID, &c.Version, &c.SystemInstructions,
		&c.OutputSchema, &c.Examples, &c.IsActive, &c.IsTest, &c.TestScenarioID, &c.CreatedAt,
	)
	return c, err
}
