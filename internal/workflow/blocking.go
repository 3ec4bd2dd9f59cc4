package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rogers-f/criticality/internal/domain"
)

// NewBlockingRecord builds an unresolved query raised in phase. A nil
// timeout means the query never times out.
func NewBlockingRecord(phase domain.ProtocolPhase, query string, options []string, timeoutMs *int64, now time.Time) domain.BlockingRecord {
	return domain.BlockingRecord{
		ID:        uuid.New().String(),
		Phase:     phase,
		Query:     query,
		Options:   cloneOptions(options),
		BlockedAt: now.UTC(),
		TimeoutMs: timeoutMs,
	}
}

// BlockedStateFor returns the protocol state that mirrors an open record.
func BlockedStateFor(rec domain.BlockingRecord) domain.BlockedState {
	return domain.BlockedState{
		Phase:     rec.Phase,
		Query:     rec.Query,
		Options:   cloneOptions(rec.Options),
		BlockedAt: rec.BlockedAt,
		TimeoutMs: rec.TimeoutMs,
	}
}

// RecordFromBlocked reconstructs a record from a blocked state when no
// matching open record is present in the snapshot.
func RecordFromBlocked(st domain.BlockedState) domain.BlockingRecord {
	return domain.BlockingRecord{
		Phase:     st.Phase,
		Query:     st.Query,
		Options:   cloneOptions(st.Options),
		BlockedAt: st.BlockedAt,
		TimeoutMs: st.TimeoutMs,
	}
}

// cloneOptions copies opts; an empty list becomes nil so a record matches
// its persisted form, where empty options are omitted.
func cloneOptions(opts []string) []string {
	if len(opts) == 0 {
		return nil
	}
	return slices.Clone(opts)
}

// CheckTimeout reports whether rec has timed out at now. A record without a
// timeout never times out; otherwise it times out once now-blockedAt reaches
// the timeout.
func CheckTimeout(rec domain.BlockingRecord, now time.Time) bool {
	if rec.TimeoutMs == nil {
		return false
	}
	return now.Sub(rec.BlockedAt) >= time.Duration(*rec.TimeoutMs)*time.Millisecond
}

// OpenQuery appends rec to the snapshot's open list. Only one unresolved
// query may exist per phase.
func OpenQuery(snap domain.ProtocolStateSnapshot, rec domain.BlockingRecord) (domain.ProtocolStateSnapshot, error) {
	if existing, ok := snap.OpenQuery(rec.Phase); ok {
		return snap, domain.NewEngineError(domain.ErrQueryAlreadyOpen.Code,
			fmt.Sprintf("%s: phase %s has query %s", domain.ErrQueryAlreadyOpen.Message, rec.Phase, existing.ID))
	}
	out := snap.Clone()
	out.BlockingQueries = append(out.BlockingQueries, rec)
	return out, nil
}

// ResolveQuery consumes res against the snapshot: the matching record is
// marked resolved and removed from the open list. The resolved record is
// returned for the caller's ledger.
func ResolveQuery(snap domain.ProtocolStateSnapshot, res domain.BlockingResolution) (domain.ProtocolStateSnapshot, domain.BlockingRecord, error) {
	idx := slices.IndexFunc(snap.BlockingQueries, func(q domain.BlockingRecord) bool {
		return q.ID == res.QueryID
	})
	if idx < 0 {
		return snap, domain.BlockingRecord{}, domain.NewEngineError(domain.ErrQueryNotFound.Code,
			fmt.Sprintf("%s: %s", domain.ErrQueryNotFound.Message, res.QueryID))
	}
	rec := snap.BlockingQueries[idx]
	if rec.Resolved {
		return snap, rec, domain.NewEngineError(domain.ErrQueryResolved.Code,
			fmt.Sprintf("%s: %s", domain.ErrQueryResolved.Message, res.QueryID))
	}
	rec.Resolved = true

	out := snap.Clone()
	out.BlockingQueries = slices.Delete(out.BlockingQueries, idx, idx+1)
	return out, rec, nil
}
