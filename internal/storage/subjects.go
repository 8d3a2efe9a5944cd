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

const subjectColumns = `id, scope_id, identifier, subject_type, display_name,
	metadata, is_active, is_test, test_scenario_id, created_at`

// CreateSubject inserts a new subject. Identifier is unique per scope; a
// duplicate returns ErrConflict. Returns ErrNotFound if the scope does not
// exist.
func (db *DB) CreateSubject(ctx context.Context, s model.Subject) (model.Subject, error) {
	if err := s.Validate(); err != nil {
		return model.Subject{}, err
	}
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM scopes WHERE id = $1)`, s.ScopeID,
	).Scan(&exists); err != nil {
		return model.Subject{}, fmt.Errorf("storage: create subject: verify scope: %w", err)
	}
	if !exists {
		return model.Subject{}, ErrNotFound
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO subjects (scope_id, identifier, subject_type, display_name, metadata, is_test, test_scenario_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+subjectColumns,
		s.ScopeID, s.Identifier, string(s.SubjectType), s.DisplayName, s.Metadata, s.IsTest, s.TestScenarioID,
	)
	out, err := scanSubject(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Subject{}, fmt.Errorf("storage: create subject %q: %w", s.Identifier, ErrConflict)
		}
		return model.Subject{}, fmt.Errorf("storage: create subject: %w", err)
	}
	return out, nil
}

// GetSubject returns a subject by ID.
func (db *DB) GetSubject(ctx context.Context, id uuid.UUID) (model.Subject, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id)
	out, err := scanSubject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subject{}, ErrNotFound
	}
	if err != nil {
		return model.Subject{}, fmt.Errorf("storage: get subject: %w", err)
	}
	return out, nil
}

// GetSubjectByIdentifier returns a subject by its scope-unique identifier.
func (db *DB) GetSubjectByIdentifier(ctx context.Context, scopeID uuid.UUID, identifier string) (model.Subject, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE scope_id = $1 AND identifier = $2`,
		scopeID, identifier)
	out, err := scanSubject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subject{}, ErrNotFound
	}
	if err != nil {
		return model.Subject{}, fmt.Errorf("storage: get subject by identifier: %w", err)
	}
	return out, nil
}

// ListSubjects returns a scope's subjects ordered by identifier.
// activeOnly restricts to subjects still being analyzed.
func (db *DB) ListSubjects(ctx context.Context, scopeID uuid.UUID, activeOnly bool, f TestFilter) ([]model.Subject, error) {
	q := `SELECT ` + subjectColumns + ` FROM subjects WHERE scope_id = $1`
	if activeOnly {
		q += ` AND is_active = TRUE`
	}
	clause, args := f.clause(2)
	q += clause + ` ORDER BY identifier`

	rows, err := db.pool.Query(ctx, q, append([]any{scopeID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("storage: list subjects: %w", err)
	}
	defer rows.Close()

	var out []model.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list subjects: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeactivateSubject stops future analysis runs for a subject.
func (db *DB) DeactivateSubject(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE subjects SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: deactivate subject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleSubjects returns active subjects in a scope whose most recent
// assessment is older than cutoff. Subjects never assessed at all are
// included: no data is the stalest state there is.
func (db *DB) StaleSubjects(ctx context.Context, scopeID uuid.UUID, cutoff time.Time, f TestFilter) ([]model.Subject, error) {
	clause, args := f.clause(3)
	rows, err := db.pool.Query(ctx, `
		SELECT s.id, s.scope_id, s.identifier, s.subject_type, s.display_name,
		       s.metadata, s.is_active, s.is_test, s.test_scenario_id, s.created_at
		FROM subjects s
		LEFT JOIN LATERAL (
			SELECT MAX(created_at) AS last_assessed FROM assessments WHERE subject_id = s.id
		) a ON TRUE
		WHERE s.scope_id = $1 AND s.is_active = TRUE
		  AND COALESCE(a.last_assessed, s.created_at) < $2`+qualifyTestClause(clause, "s")+`
		ORDER BY s.identifier`,
		append([]any{scopeID, cutoff}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stale subjects: %w", err)
	}
	defer rows.Close()

	var out []model.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: stale subjects: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSubject(row pgx.Row) (model.Subject, error) {
	var s model.Subject
	var typ string
	err := row.Scan(
		&s.ID, &s.ScopeID, &s.Identifier, &typ, &s.DisplayName,
		&s.Metadata, &s.IsActive, &s.IsTest, &s.TestScenarioID, &s.CreatedAt,
	)
	if err != nil {
		return model.Subject{}, err
	}
	s.SubjectType = model.SubjectType(typ)
	return s, nil
}
