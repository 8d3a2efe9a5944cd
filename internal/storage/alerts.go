package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/vigil/internal/model"
)

const alertColumns = `id, subject_id, composite_score_id, alert_type, severity,
	message, details, acknowledged_at, acknowledged_by,
	is_test, test_scenario_id, created_at`

// InsertAlerts writes a run's alerts in one transaction and returns them
// with IDs assigned. Alerts are write-once; acknowledgement is the only
// later mutation.
func (db *DB) InsertAlerts(ctx context.Context, alerts []model.Alert) ([]model.Alert, error) {
	if len(alerts) == 0 {
		return nil, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: insert alerts: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	out := make([]model.Alert, 0, len(alerts))
	for _, a := range alerts {
		row := tx.QueryRow(ctx, `
			INSERT INTO alerts
				(subject_id, composite_score_id, alert_type, severity, message, details, is_test, test_scenario_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+alertColumns,
			a.SubjectID, a.CompositeScoreID, string(a.AlertType), string(a.Severity),
			a.Message, a.Details, a.IsTest, a.TestScenarioID,
		)
		stored, err := scanAlert(row)
		if err != nil {
			return nil, fmt.Errorf("storage: insert alerts: %w", err)
		}
		out = append(out, stored)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: insert alerts: commit: %w", err)
	}
	return out, nil
}

// GetAlert returns an alert by ID.
func (db *DB) GetAlert(ctx context.Context, id uuid.UUID) (model.Alert, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	out, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	if err != nil {
		return model.Alert{}, fmt.Errorf("storage: get alert: %w", err)
	}
	return out, nil
}

// UnacknowledgedAlerts returns open alerts for all subjects in a scope,
// newest first. Test rows are excluded unless the filter asks for them.
func (db *DB) UnacknowledgedAlerts(ctx context.Context, scopeID uuid.UUID, f TestFilter) ([]model.Alert, error) {
	clause, args := f.clause(2)
	rows, err := db.pool.Query(ctx, `
		SELECT a.id, a.subject_id, a.composite_score_id, a.alert_type, a.severity,
		       a.message, a.details, a.acknowledged_at, a.acknowledged_by,
		       a.is_test, a.test_scenario_id, a.created_at
		FROM alerts a
		JOIN subjects s ON s.id = a.subject_id
		WHERE s.scope_id = $1 AND a.acknowledged_at IS NULL`+qualifyTestClause(clause, "a")+`
		ORDER BY a.created_at DESC`,
		append([]any{scopeID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: unacknowledged alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: unacknowledged alerts: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert sets the acknowledgement pair exactly once. A second
// acknowledgement returns ErrConflict; a missing alert returns ErrNotFound.
func (db *DB) AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) (model.Alert, error) {
	row := db.pool.QueryRow(ctx, `
		UPDATE alerts SET acknowledged_at = now(), acknowledged_by = $2
		WHERE id = $1 AND acknowledged_at IS NULL
		RETURNING `+alertColumns,
		id, by,
	)
	out, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Disambiguate: already acknowledged vs. missing.
		var exists bool
		if e := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM alerts WHERE id = $1)`, id).Scan(&exists); e != nil {
			return model.Alert{}, fmt.Errorf("storage: acknowledge alert: %w", e)
		}
		if exists {
			return model.Alert{}, fmt.Errorf("storage: alert %s already acknowledged: %w", id, ErrConflict)
		}
		return model.Alert{}, ErrNotFound
	}
	if err != nil {
		return model.Alert{}, fmt.Errorf("storage: acknowledge alert: %w", err)
	}
	return out, nil
}

// HasOpenStaleAlert reports whether a subject already has an unacknowledged
// stale_assessment alert. The staleness sweep uses this to avoid emitting a
// duplicate on every tick.
func (db *DB) HasOpenStaleAlert(ctx context.Context, subjectID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM alerts
			WHERE subject_id = $1 AND alert_type = 'stale_assessment' AND acknowledged_at IS NULL
		)`, subjectID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has open stale alert: %w", err)
	}
	return exists, nil
}

// qualifyTestClause rewrites a TestFilter clause to reference an aliased
// table in joined queries. The clause only ever mentions is_test and
// test_scenario_id.
func qualifyTestClause(clause, alias string) string {
	if clause == "" {
		return ""
	}
	clause = strings.ReplaceAll(clause, " is_test", " "+alias+".is_test")
	return strings.ReplaceAll(clause, " test_scenario_id", " "+alias+".test_scenario_id")
}

func scanAlert(row pgx.Row) (model.Alert, error) {
	var a model.Alert
	var typ, sev string
	err := row.Scan(
		&a.ID, &a.SubjectID, &a.CompositeScoreID, &typ, &sev,
		&a.Message, &a.Details, &a.AcknowledgedAt, &a.AcknowledgedBy,
		&a.IsTest, &a.TestScenarioID, &a.CreatedAt,
	)
	if err != nil {
		return model.Alert{}, err
	}
	a.AlertType = model.AlertType(typ)
	a.Severity = model.Severity(sev)
	return a, nil
}
