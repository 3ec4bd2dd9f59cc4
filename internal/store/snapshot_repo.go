package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rogers-f/criticality/internal/domain"
)

// SnapshotRepo handles persistence for archived state documents.
type SnapshotRepo struct{}

// Checksum returns the hex SHA-256 of a state document.
func Checksum(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

// Verify reports ErrSnapshotCorrupt when rec's document does not match its checksum.
func Verify(rec domain.SnapshotRecord) error {
	if Checksum(rec.DocumentJSON) != rec.Checksum {
		return domain.NewEngineError(domain.ErrSnapshotCorrupt.Code,
			fmt.Sprintf("%s: snapshot %d (tick %d)", domain.ErrSnapshotCorrupt.Message, rec.ID, rec.TickSeq))
	}
	return nil
}

// SaveTx inserts an archived snapshot within an existing transaction.
func (r *SnapshotRepo) SaveTx(ctx context.Context, tx *sql.Tx, snap domain.SnapshotRecord) error {
	const q = `INSERT INTO state_snapshots (tick_seq, state_kind, phase, document_json, checksum, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		snap.TickSeq,
		string(snap.Kind),
		string(snap.Phase),
		snap.DocumentJSON,
		snap.Checksum,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetLatest returns the most recently archived snapshot.
// Returns nil if no snapshot exists.
func (r *SnapshotRepo) GetLatest(ctx context.Context, db *sql.DB) (*domain.SnapshotRecord, error) {
	const q = `SELECT id, tick_seq, state_kind, phase, document_json, checksum, created_at
FROM state_snapshots
ORDER BY id DESC
LIMIT 1`

	row := db.QueryRowContext(ctx, q)

	var s domain.SnapshotRecord
	var kind, phase string
	err := row.Scan(&s.ID, &s.TickSeq, &kind, &phase, &s.DocumentJSON, &s.Checksum, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	s.Kind = domain.StateKind(kind)
	s.Phase = domain.ProtocolPhase(phase)
	return &s, nil
}
