package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rogers-f/criticality/internal/escalation"
)

// AttemptRepo handles persistence for per-function attempt histories.
type AttemptRepo struct{}

// Upsert writes the full attempt history for a function, replacing any prior row.
func (r *AttemptRepo) Upsert(ctx context.Context, db *sql.DB, a escalation.FunctionAttempts, updatedAt int64) error {
	failure, err := escalation.EncodeFailure(a.LastFailure)
	if err != nil {
		return fmt.Errorf("upsert attempts: %w", err)
	}

	const q = `INSERT INTO function_attempts (function_id, worker_attempts, fallback_attempts, architect_attempts, total_attempts, last_failure_json, syntax_hint_provided, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(function_id) DO UPDATE SET
	worker_attempts = excluded.worker_attempts,
	fallback_attempts = excluded.fallback_attempts,
	architect_attempts = excluded.architect_attempts,
	total_attempts = excluded.total_attempts,
	last_failure_json = excluded.last_failure_json,
	syntax_hint_provided = excluded.syntax_hint_provided,
	updated_at_unix = excluded.updated_at_unix`

	_, err = db.ExecContext(ctx, q,
		a.FunctionID,
		a.On(escalation.TierWorker),
		a.On(escalation.TierFallback),
		a.On(escalation.TierArchitect),
		a.Total,
		string(failure),
		boolToInt(a.SyntaxHintProvided),
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert attempts: %w", err)
	}
	return nil
}

// GetByID retrieves the attempt history for a function. found is false when
// no row exists.
func (r *AttemptRepo) GetByID(ctx context.Context, db *sql.DB, functionID string) (a escalation.FunctionAttempts, found bool, err error) {
	const q = `SELECT worker_attempts, fallback_attempts, architect_attempts, total_attempts, last_failure_json, syntax_hint_provided
FROM function_attempts WHERE function_id = ?`

	var worker, fallback, architect, hint int
	var failureJSON string
	row := db.QueryRowContext(ctx, q, functionID)
	if err := row.Scan(&worker, &fallback, &architect, &a.Total, &failureJSON, &hint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return escalation.FunctionAttempts{}, false, nil
		}
		return escalation.FunctionAttempts{}, false, fmt.Errorf("get attempts: %w", err)
	}

	failure, err := escalation.DecodeFailure([]byte(failureJSON))
	if err != nil {
		return escalation.FunctionAttempts{}, false, fmt.Errorf("get attempts: %w", err)
	}

	a.FunctionID = functionID
	a.Attempts[escalation.TierWorker.Rank()] = worker
	a.Attempts[escalation.TierFallback.Rank()] = fallback
	a.Attempts[escalation.TierArchitect.Rank()] = architect
	a.LastFailure = failure
	a.SyntaxHintProvided = hint != 0
	return a, true, nil
}
