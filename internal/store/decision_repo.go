package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rogers-f/criticality/internal/domain"
)

// DecisionRepo handles persistence for ledger Decision entries.
type DecisionRepo struct{}

// Record inserts a decision.
func (r *DecisionRepo) Record(ctx context.Context, db *sql.DB, d domain.Decision) error {
	const q = `INSERT INTO decisions (id, kind, phase, subject, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		d.ID,
		string(d.Kind),
		string(d.Phase),
		d.Subject,
		d.Detail,
		d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// ListRecent returns the newest limit decisions in chronological order.
// A limit of zero or less returns every decision.
func (r *DecisionRepo) ListRecent(ctx context.Context, db *sql.DB, limit int) ([]domain.Decision, error) {
	if limit <= 0 {
		limit = -1
	}
	const q = `SELECT id, kind, phase, subject, detail, created_at FROM (
	SELECT id, kind, phase, subject, detail, created_at, rowid AS rid
	FROM decisions
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
) ORDER BY created_at ASC, rid ASC`

	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// ListByKind returns all decisions of one kind, oldest first.
func (r *DecisionRepo) ListByKind(ctx context.Context, db *sql.DB, kind domain.DecisionKind) ([]domain.Decision, error) {
	const q = `SELECT id, kind, phase, subject, detail, created_at
FROM decisions
WHERE kind = ?
ORDER BY created_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, q, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list decisions by kind: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]domain.Decision, error) {
	var out []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var kind, phase string
		var createdAt int64
		if err := rows.Scan(&d.ID, &kind, &phase, &d.Subject, &d.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Kind = domain.DecisionKind(kind)
		d.Phase = domain.ProtocolPhase(phase)
		d.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
