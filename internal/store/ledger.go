package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
)

// TickArchive is what the orchestrator hands the ledger after a persisted tick.
type TickArchive struct {
	Kind         domain.StateKind
	Phase        domain.ProtocolPhase
	StopReason   string
	Transitioned bool
	Document     []byte
}

// Ledger is the decision ledger for one protocol run. It records decisions,
// archives every persisted state document and mirrors escalation attempts.
type Ledger struct {
	DB        *sql.DB
	Decisions *DecisionRepo
	Snapshots *SnapshotRepo
	Events    *EventRepo
	Attempts  *AttemptRepo

	now func() time.Time
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "create ledger directory", err)
		}
	}
	db, err := NewDB(path)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, domain.ErrStoreInit.Message, err)
	}
	return NewLedger(db), nil
}

// NewLedger wraps an already migrated database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{
		DB:        db,
		Decisions: &DecisionRepo{},
		Snapshots: &SnapshotRepo{},
		Events:    &EventRepo{},
		Attempts:  &AttemptRepo{},
		now:       time.Now,
	}
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.DB.Close()
}

// RecordDecision appends d, assigning an id and timestamp when unset.
func (l *Ledger) RecordDecision(ctx context.Context, d domain.Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = l.now()
	}
	if err := l.Decisions.Record(ctx, l.DB, d); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record decision", err)
	}
	return nil
}

// ArchiveTick stores a tick event and its checksummed state document in one
// transaction. It returns the tick sequence number.
func (l *Ledger) ArchiveTick(ctx context.Context, a TickArchive) (int64, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin archive", err)
	}
	defer tx.Rollback()

	seq, err := l.Events.NextSeqTx(ctx, tx)
	if err != nil {
		return 0, domain.WrapEngineError(domain.ErrStoreWrite.Code, "archive tick", err)
	}

	now := l.now().UnixMilli()
	if err := l.Events.AppendTx(ctx, tx, domain.TickEvent{
		SeqNo:        seq,
		Phase:        a.Phase,
		Kind:         a.Kind,
		StopReason:   a.StopReason,
		Transitioned: a.Transitioned,
		CreatedAt:    now,
	}); err != nil {
		return 0, domain.WrapEngineError(domain.ErrStoreWrite.Code, "archive tick", err)
	}

	doc := string(a.Document)
	if err := l.Snapshots.SaveTx(ctx, tx, domain.SnapshotRecord{
		TickSeq:      seq,
		Kind:         a.Kind,
		Phase:        a.Phase,
		DocumentJSON: doc,
		Checksum:     Checksum(doc),
		CreatedAt:    now,
	}); err != nil {
		return 0, domain.WrapEngineError(domain.ErrStoreWrite.Code, "archive tick", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit archive", err)
	}
	return seq, nil
}

// RecentDecisions returns the newest limit decisions, oldest first.
func (l *Ledger) RecentDecisions(ctx context.Context, limit int) ([]domain.Decision, error) {
	ds, err := l.Decisions.ListRecent(ctx, l.DB, limit)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list decisions", err)
	}
	return ds, nil
}

// LatestSnapshot returns the newest archived document after verifying its
// checksum. It returns ErrSnapshotMissing when nothing has been archived.
func (l *Ledger) LatestSnapshot(ctx context.Context) (domain.SnapshotRecord, error) {
	rec, err := l.Snapshots.GetLatest(ctx, l.DB)
	if err != nil {
		return domain.SnapshotRecord{}, domain.WrapEngineError(domain.ErrStoreQuery.Code, "latest snapshot", err)
	}
	if rec == nil {
		return domain.SnapshotRecord{}, domain.ErrSnapshotMissing
	}
	if err := Verify(*rec); err != nil {
		return *rec, err
	}
	return *rec, nil
}

// TickEvents returns archived tick events after sinceSeq.
func (l *Ledger) TickEvents(ctx context.Context, sinceSeq int64) ([]domain.TickEvent, error) {
	evs, err := l.Events.ListSince(ctx, l.DB, sinceSeq)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list tick events", err)
	}
	return evs, nil
}

// SaveAttempts implements escalation.AttemptStore.
func (l *Ledger) SaveAttempts(ctx context.Context, a escalation.FunctionAttempts) error {
	if err := l.Attempts.Upsert(ctx, l.DB, a, l.now().Unix()); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, fmt.Sprintf("save attempts %s", a.FunctionID), err)
	}
	return nil
}

// LoadAttempts implements escalation.AttemptStore.
func (l *Ledger) LoadAttempts(ctx context.Context, functionID string) (escalation.FunctionAttempts, bool, error) {
	a, found, err := l.Attempts.GetByID(ctx, l.DB, functionID)
	if err != nil {
		return a, false, domain.WrapEngineError(domain.ErrStoreQuery.Code, fmt.Sprintf("load attempts %s", functionID), err)
	}
	return a, found, nil
}
