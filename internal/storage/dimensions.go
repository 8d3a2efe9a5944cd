package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/vigil/internal/model"
)

const dimensionColumns = `id, scope_id, slug, display_name, weight,
	display_order, is_active, is_test, test_scenario_id, created_at`

// CreateDimension inserts a new dimension. Slug is unique per scope; a
// duplicate returns ErrConflict.
func (db *DB) CreateDimension(ctx context.Context, d model.Dimension) (model.Dimension, error) {
	if err := d.Validate(); err != nil {
		return model.Dimension{}, err
	}
	row := db.pool.QueryRow(ctx, `
		INSERT INTO dimensions (scope_id, slug, display_name, weight, display_order, is_test, test_scenario_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+dimensionColumns,
		d.ScopeID, d.Slug, d.DisplayName, d.Weight, d.DisplayOrder, d.IsTest, d.TestScenarioID,
	)
	out, err := scanDimension(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Dimension{}, fmt.Errorf("storage: create dimension %q: %w", d.Slug, ErrConflict)
		}
		return model.Dimension{}, fmt.Errorf("storage: create dimension: %w", err)
	}
	return out, nil
}

// GetDimension returns a dimension by ID.
func (db *DB) GetDimension(ctx context.Context, id uuid.UUID) (model.Dimension, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+dimensionColumns+` FROM dimensions WHERE id = $1`, id)
	out, err := scanDimension(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Dimension{}, ErrNotFound
	}
	if err != nil {
		return model.Dimension{}, fmt.Errorf("storage: get dimension: %w", err)
	}
	return out, nil
}

// ListDimensions returns a scope's dimensions in display order.
func (db *DB) ListDimensions(ctx context.Context, scopeID uuid.UUID, activeOnly bool, f TestFilter) ([]model.Dimension, error) {
	q := `SELECT ` + dimensionColumns + ` FROM dimensions WHERE scope_id = $1`
	if activeOnly {
		q += ` AND is_active = TRUE`
	}
	clause, args := f.clause(2)
	q += clause + ` ORDER BY display_order, slug`

	rows, err := db.pool.Query(ctx, q, append([]any{scopeID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("storage: list dimensions: %w", err)
	}
	defer rows.Close()

	var out []model.Dimension
	for rows.Next() {
		d, err := scanDimension(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list dimensions: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDimensionWeight changes a dimension's aggregate weight.
func (db *DB) UpdateDimensionWeight(ctx context.Context, id uuid.UUID, weight float64) error {
	if weight < 0 || weight > 2 {
		return fmt.Errorf("model: dimension weight must be in [0,2], got %g", weight)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE dimensions SET weight = $2 WHERE id = $1`, id, weight)
	if err != nil {
		return fmt.Errorf("storage: update dimension weight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateDimension removes a dimension from future runs. Historical
// assessments remain valid.
func (db *DB) DeactivateDimension(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE dimensions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: deactivate dimension: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDimension(row pgx.Row) (model.Dimension, error) {
	var d model.Dimension
	err := row.Scan(
		&d.ID, &d.ScopeID, &d.Slug, &d.DisplayName, &d.Weight,
		&d.DisplayOrder, &d.IsActive, &d.IsTest, &d.TestScenarioID, &d.CreatedAt,
	)
	return d, err
}
