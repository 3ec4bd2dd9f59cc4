package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/criticality/internal/domain"
)

// EventRepo handles persistence for TickEvent records.
type EventRepo struct{}

// NextSeqTx returns the sequence number for the next tick event.
func (r *EventRepo) NextSeqTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq_no), 0) + 1 FROM tick_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next tick seq: %w", err)
	}
	return seq, nil
}

// AppendTx inserts a tick event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.TickEvent) error {
	const q = `INSERT INTO tick_events (seq_no, phase, state_kind, stop_reason, transitioned, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		event.SeqNo,
		string(event.Phase),
		string(event.Kind),
		event.StopReason,
		boolToInt(event.Transitioned),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append tick event: %w", err)
	}
	return nil
}

// ListSince returns events with sequence numbers greater than sinceSeq,
// ordered by sequence number ascending.
func (r *EventRepo) ListSince(ctx context.Context, db *sql.DB, sinceSeq int64) ([]domain.TickEvent, error) {
	const q = `SELECT id, seq_no, phase, state_kind, stop_reason, transitioned, created_at
FROM tick_events
WHERE seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list tick events: %w", err)
	}
	defer rows.Close()

	var events []domain.TickEvent
	for rows.Next() {
		var e domain.TickEvent
		var phase, kind string
		var transitioned int
		if err := rows.Scan(&e.ID, &e.SeqNo, &phase, &kind, &e.StopReason, &transitioned, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tick event: %w", err)
		}
		e.Phase = domain.ProtocolPhase(phase)
		e.Kind = domain.StateKind(kind)
		e.Transitioned = transitioned != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
