package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/vigil/internal/model"
)

const scopeColumns = `id, org_id, agent_id, name, domain, config, thresholds,
	is_active, is_test, test_scenario_id, created_at`

// CreateScope inserts a new scope. The (org_id, agent_id, name) triple is
// unique; a duplicate returns ErrConflict.
func (db *DB) CreateScope(ctx context.Context, s model.Scope) (model.Scope, error) {
	if err := s.Validate(); err != nil {
		return model.Scope{}, err
	}
	row := db.pool.QueryRow(ctx, `
		INSERT INTO scopes (org_id, agent_id, name, domain, config, thresholds, is_test, test_scenario_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+scopeColumns,
		s.OrgID, s.AgentID, s.Name, string(s.Domain), s.Config, s.Thresholds, s.IsTest, s.TestScenarioID,
	)
	out, err := scanScope(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Scope{}, fmt.Errorf("storage: create scope %q: %w", s.Name, ErrConflict)
		}
		return model.Scope{}, fmt.Errorf("storage: create scope: %w", err)
	}
	return out, nil
}

// GetScope returns a scope by ID.
func (db *DB) GetScope(ctx context.Context, id uuid.UUID) (model.Scope, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+scopeColumns+` FROM scopes WHERE id = $1`, id)
	out, err := scanScope(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Scope{}, ErrNotFound
	}
	if err != nil {
		return model.Scope{}, fmt.Errorf("storage: get scope: %w", err)
	}
	return out, nil
}

// ListScopes returns an org's scopes, newest first.
func (db *DB) ListScopes(ctx context.Context, orgID uuid.UUID, f TestFilter) ([]model.Scope, error) {
	clause, args := f.clause(2)
	rows, err := db.pool.Query(ctx,
		`SELECT `+scopeColumns+` FROM scopes WHERE org_id = $1`+clause+` ORDER BY created_at DESC`,
		append([]any{orgID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list scopes: %w", err)
	}
	defer rows.Close()

	var out []model.Scope
	for rows.Next() {
		s, err := scanScope(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list scopes: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ActiveScopes returns every active scope across all orgs. Used by the
// background sweeps, which iterate the whole deployment.
func (db *DB) ActiveScopes(ctx context.Context, f TestFilter) ([]model.Scope, error) {
	clause, args := f.clause(1)
	rows, err := db.pool.Query(ctx,
		`SELECT `+scopeColumns+` FROM scopes WHERE is_active = TRUE`+clause+` ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active scopes: %w", err)
	}
	defer rows.Close()

	var out []model.Scope
	for rows.Next() {
		s, err := scanScope(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: active scopes: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateScopeThresholds replaces a scope's alerting/escalation policy.
func (db *DB) UpdateScopeThresholds(ctx context.Context, id uuid.UUID, th model.Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE scopes SET thresholds = $2 WHERE id = $1`, id, th)
	if err != nil {
		return fmt.Errorf("storage: update scope thresholds: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateScope soft-deactivates a scope. Subjects and history remain.
func (db *DB) DeactivateScope(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE scopes SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: deactivate scope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanScope(row pgx.Row) (model.Scope, error) {
	var s model.Scope
	var domain string
	err := row.Scan(
		&s.ID, &s.OrgID, &s.AgentID, &s.Name, &domain, &s.Config, &s.Thresholds,
		&s.IsActive, &s.IsTest, &s.TestScenarioID, &s.CreatedAt,
	)
	if err != nil {
		return model.Scope{}, err
	}
	s.Domain = model.Domain(domain)
	return s, nil
}
