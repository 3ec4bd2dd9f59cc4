package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_RecordDecisionFillsDefaults(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordDecision(ctx, domain.Decision{Kind: domain.DecisionTimeout, Phase: domain.PhaseLattice, Subject: "Approve?"}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	ds, err := l.RecentDecisions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDecisions: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(ds))
	}
	if ds[0].ID == "" {
		t.Error("expected generated ID")
	}
	if ds[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestLedger_ArchiveTickAndLatest(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if _, err := l.LatestSnapshot(ctx); !errors.Is(err, domain.ErrSnapshotMissing) {
		t.Fatalf("LatestSnapshot on empty ledger err = %v, want ErrSnapshotMissing", err)
	}

	for i, doc := range []string{`{"n":1}`, `{"n":2}`} {
		seq, err := l.ArchiveTick(ctx, TickArchive{
			Kind:         domain.KindActive,
			Phase:        domain.PhaseLattice,
			Transitioned: true,
			Document:     []byte(doc),
		})
		if err != nil {
			t.Fatalf("ArchiveTick: %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", seq, i+1)
		}
	}

	rec, err := l.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if rec.DocumentJSON != `{"n":2}` || rec.TickSeq != 2 {
		t.Errorf("latest = %+v", rec)
	}

	events, err := l.TickEvents(ctx, 0)
	if err != nil {
		t.Fatalf("TickEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 tick events, got %d", len(events))
	}
}

func TestLedger_LatestSnapshotCorrupt(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if _, err := l.ArchiveTick(ctx, TickArchive{Kind: domain.KindActive, Phase: domain.PhaseIgnition, Document: []byte(`{}`)}); err != nil {
		t.Fatalf("ArchiveTick: %v", err)
	}
	if _, err := l.DB.ExecContext(ctx, `UPDATE state_snapshots SET document_json = '{"tampered":true}'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := l.LatestSnapshot(ctx); !errors.Is(err, domain.ErrSnapshotCorrupt) {
		t.Errorf("err = %v, want ErrSnapshotCorrupt", err)
	}
}

func TestLedger_AttemptStore(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	var _ escalation.AttemptStore = l

	tr := escalation.NewTracker(escalation.DefaultConfig(), l)
	if _, err := tr.Record(ctx, "fold", escalation.TierWorker, escalation.TypeFailure{Message: "int vs string"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, found, err := l.LoadAttempts(ctx, "fold")
	if err != nil || !found {
		t.Fatalf("LoadAttempts: found=%v err=%v", found, err)
	}
	if got.Total != 1 {
		t.Errorf("Total = %d, want 1", got.Total)
	}
}
