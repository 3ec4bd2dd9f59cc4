package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/logging"
	"github.com/rogers-f/criticality/internal/metrics"
	"github.com/rogers-f/criticality/internal/notify"
	"github.com/rogers-f/criticality/internal/persistence"
	"github.com/rogers-f/criticality/internal/store"
	"github.com/rogers-f/criticality/internal/workflow"
)

// StopReason explains why a tick asked the loop to stop.
type StopReason string

const (
	StopComplete          StopReason = "COMPLETE"
	StopBlocked           StopReason = "BLOCKED"
	StopFailed            StopReason = "FAILED"
	StopNoValidTransition StopReason = "NO_VALID_TRANSITION"
	StopExternalError     StopReason = "EXTERNAL_ERROR"
)

// TickContext is everything one tick reads. Operations, Notifier, Ledger,
// Metrics and Logger are optional.
type TickContext struct {
	Snapshot           domain.ProtocolStateSnapshot
	PendingArtifacts   []domain.ArtifactType
	PendingResolutions []domain.BlockingResolution

	Operations ExternalOperations
	Notifier   notify.Notifier
	Ledger     Ledger
	Metrics    metrics.Recorder
	Logger     *logging.Logger
	Gate       workflow.Gate
	Now        func() time.Time
}

// TickResult is the outcome of one tick. Snapshot is what is now persisted
// at the state path (or the unchanged input when nothing was written).
type TickResult struct {
	Transitioned   bool
	Snapshot       domain.ProtocolStateSnapshot
	ShouldContinue bool
	StopReason     StopReason
	Err            error

	// ConsumedArtifacts reports that the pending artifacts were merged and
	// persisted. ConsumedResolutions counts pending resolutions taken off
	// the queue, matched or dropped.
	ConsumedArtifacts   bool
	ConsumedResolutions int
}

// ticker holds the per-call state of ExecuteTick.
type ticker struct {
	tc        *TickContext
	statePath string
	now       time.Time
	log       *logging.Logger
	rec       metrics.Recorder
	gate      workflow.Gate
}

// ExecuteTick performs at most one state change and persists the result at
// statePath. Terminal states never change; a blocked state times out,
// consumes a matching resolution or stays put; an active state moves to its
// successor once the successor's artifacts are present.
func ExecuteTick(ctx context.Context, tc *TickContext, statePath string) TickResult {
	start := time.Now()
	t := &ticker{tc: tc, statePath: statePath, now: start}
	if tc.Now != nil {
		t.now = tc.Now()
	}
	t.log = tc.Logger
	if t.log == nil {
		t.log = logging.NopLogger()
	}
	t.log = t.log.WithComponent("orchestrator")
	if tc.Snapshot.State != nil {
		t.log = t.log.WithPhase(string(domain.PhaseOf(tc.Snapshot.State)))
	}
	t.rec = tc.Metrics
	if t.rec == nil {
		t.rec = metrics.Nop{}
	}
	t.gate = tc.Gate
	if t.gate == nil {
		t.gate = workflow.ArtifactGate{}
	}

	res := t.execute(ctx)
	t.rec.ObserveTick(string(res.StopReason), time.Since(start))
	return res
}

func (t *ticker) execute(ctx context.Context) TickResult {
	snap := t.tc.Snapshot.Clone()
	merged, added := snap.WithArtifacts(t.tc.PendingArtifacts...)

	switch st := snap.State.(type) {
	case domain.CompleteState:
		t.notify(ctx, notify.EventComplete, map[string]any{"artifacts": artifactNames(st.Artifacts)})
		return t.settle(ctx, snap, merged, added, StopComplete)
	case domain.FailedState:
		t.notify(ctx, notify.EventError, map[string]any{"phase": string(st.Phase), "error": st.Error, "code": st.Code})
		return t.settle(ctx, snap, merged, added, StopFailed)
	case domain.BlockedState:
		return t.tickBlocked(ctx, snap, merged, added, st)
	case domain.ActiveState:
		return t.tickActive(ctx, snap, merged, added, st)
	default:
		return TickResult{
			Snapshot:   snap,
			StopReason: StopExternalError,
			Err:        domain.NewEngineError(domain.ErrInvalidTransition.Code, fmt.Sprintf("unhandled protocol state %T", snap.State)),
		}
	}
}

// settle finishes a tick that changes no state. Newly merged artifacts are
// still persisted. An empty stop reason means keep ticking.
func (t *ticker) settle(ctx context.Context, snap, merged domain.ProtocolStateSnapshot, added bool, reason StopReason) TickResult {
	res := TickResult{Snapshot: snap, ShouldContinue: reason == "", StopReason: reason}
	if !added {
		res.ConsumedArtifacts = len(t.tc.PendingArtifacts) > 0
		return res
	}
	if err := t.persist(ctx, merged, false, reason); err != nil {
		return t.externalError(snap, err)
	}
	res.Snapshot = merged
	res.ConsumedArtifacts = true
	return res
}

func (t *ticker) tickBlocked(ctx context.Context, snap, merged domain.ProtocolStateSnapshot, added bool, st domain.BlockedState) TickResult {
	rec, open := merged.OpenQuery(st.Phase)
	if !open {
		rec = workflow.RecordFromBlocked(st)
	}

	if workflow.CheckTimeout(rec, t.now) {
		failed := domain.FailedState{
			Phase:       st.Phase,
			Error:       fmt.Sprintf("blocking query timed out after %dms", *rec.TimeoutMs),
			Code:        domain.CodeTimeout,
			Recoverable: true,
			Context: map[string]string{
				"query":     st.Query,
				"timeoutMs": strconv.FormatInt(*rec.TimeoutMs, 10),
			},
			FailedAt: t.now.UTC(),
		}
		if rec.ID != "" {
			failed.Context["queryId"] = rec.ID
		}
		next := merged.Clone()
		next.State = failed
		if err := t.persist(ctx, next, true, StopFailed); err != nil {
			return t.externalError(snap, err)
		}
		t.log.Warn("blocking query timed out", "query", st.Query, "timeout_ms", *rec.TimeoutMs)
		t.decide(ctx, domain.DecisionTimeout, st.Phase, st.Query, failed.Error)
		return TickResult{
			Transitioned:        true,
			Snapshot:            next,
			StopReason:          StopFailed,
			ConsumedArtifacts:   true,
			ConsumedResolutions: len(t.tc.PendingResolutions),
		}
	}

	var matched *domain.BlockingResolution
	for i, res := range t.tc.PendingResolutions {
		if matched == nil && res.QueryID == rec.ID {
			matched = &t.tc.PendingResolutions[i]
			continue
		}
		t.log.Warn("dropping unmatched resolution", "query_id", res.QueryID, "open_query_id", rec.ID)
	}

	if matched == nil {
		res := t.settle(ctx, snap, merged, added, StopBlocked)
		if res.Err == nil {
			res.ConsumedResolutions = len(t.tc.PendingResolutions)
		}
		return res
	}

	next := merged
	if open {
		var err error
		next, _, err = workflow.ResolveQuery(merged, *matched)
		if err != nil {
			return t.externalError(snap, err)
		}
	}
	next.State = domain.ActiveState{Phase: domain.DefaultPhaseState(st.Phase)}
	if err := t.persist(ctx, next, true, ""); err != nil {
		return t.externalError(snap, err)
	}
	t.log.Info("blocking query resolved", "query", st.Query, "response", matched.Response)
	t.decide(ctx, domain.DecisionResolution, st.Phase, st.Query, matched.Response)
	return TickResult{
		Transitioned:        true,
		Snapshot:            next,
		ShouldContinue:      true,
		ConsumedArtifacts:   true,
		ConsumedResolutions: len(t.tc.PendingResolutions),
	}
}

func (t *ticker) tickActive(ctx context.Context, snap, merged domain.ProtocolStateSnapshot, added bool, st domain.ActiveState) TickResult {
	from := st.Phase.Phase
	decision, err := t.gate.Evaluate(ctx, from, merged.Artifacts)
	if err != nil {
		return t.externalError(snap, err)
	}
	if decision.NextPhase == "" {
		t.log.Warn("no valid transition", "blockers", strings.Join(decision.Blockers, "; "))
		return t.settle(ctx, snap, merged, added, StopNoValidTransition)
	}
	if !decision.Allow {
		t.log.Debug("waiting for artifacts", "next", string(decision.NextPhase), "missing", artifactNames(decision.Missing))
		return t.settle(ctx, snap, merged, added, "")
	}
	to := decision.NextPhase

	outcome := runEdgeActions(ctx, t.tc.Operations, from)
	next, _ := merged.WithArtifacts(outcome.Artifacts...)

	switch {
	case outcome.Blocking != nil:
		return t.enterBlocked(ctx, snap, next, from, *outcome.Blocking)
	case outcome.Failed != nil:
		failed := domain.FailedState{
			Phase:       from,
			Error:       outcome.Failed.Error,
			Code:        domain.CodeActionFailed,
			Recoverable: outcome.Failed.Recoverable,
			Context:     map[string]string{"target": string(to), "step": outcome.FailedAt},
			FailedAt:    t.now.UTC(),
		}
		if failed.Error == "" {
			failed.Error = outcome.FailedAt + " step failed"
		}
		next.State = failed
		if err := t.persist(ctx, next, true, StopFailed); err != nil {
			return t.externalError(snap, err)
		}
		t.log.Error("transition action failed", "target", string(to), "step", outcome.FailedAt, "error", failed.Error)
		t.decide(ctx, domain.DecisionFailure, from, outcome.FailedAt, failed.Error)
		return TickResult{Transitioned: true, Snapshot: next, StopReason: StopFailed, ConsumedArtifacts: true}
	}

	ps, err := workflow.Transition(st.Phase, to, workflow.TransitionContext{Artifacts: next.Artifacts})
	if err != nil {
		return TickResult{Snapshot: snap, StopReason: StopNoValidTransition, Err: err}
	}

	var reason StopReason
	if to.IsTerminal() {
		next.State = domain.CompleteState{Artifacts: next.Artifacts}
		reason = StopComplete
	} else {
		next.State = domain.ActiveState{Phase: ps}
	}
	if err := t.persist(ctx, next, true, reason); err != nil {
		return t.externalError(snap, err)
	}

	t.log.Info("phase transition", "from", string(from), "to", string(to))
	t.rec.IncTransition(string(from), string(to))
	t.decide(ctx, domain.DecisionTransition, from, string(to), "")
	t.notify(ctx, notify.EventPhaseChange, map[string]any{"from": string(from), "to": string(to)})

	return TickResult{
		Transitioned:      true,
		Snapshot:          next,
		ShouldContinue:    reason == "",
		StopReason:        reason,
		ConsumedArtifacts: true,
	}
}

// enterBlocked opens a blocking query raised while leaving from.
func (t *ticker) enterBlocked(ctx context.Context, snap, next domain.ProtocolStateSnapshot, from domain.ProtocolPhase, req BlockingRequest) TickResult {
	rec := workflow.NewBlockingRecord(from, req.Query, req.Options, req.TimeoutMs, t.now)
	opened, err := workflow.OpenQuery(next, rec)
	if err != nil {
		return t.externalError(snap, err)
	}
	opened.State = workflow.BlockedStateFor(rec)
	if err := t.persist(ctx, opened, true, StopBlocked); err != nil {
		return t.externalError(snap, err)
	}

	t.log.Info("protocol blocked", "query", req.Query, "query_id", rec.ID)
	t.decide(ctx, domain.DecisionBlock, from, req.Query, rec.ID)
	if t.tc.Operations != nil {
		if err := t.tc.Operations.SendBlockingNotification(ctx, req.Query); err != nil {
			t.log.Warn("blocking notification failed", "error", err)
		}
	}
	return TickResult{Transitioned: true, Snapshot: opened, StopReason: StopBlocked, ConsumedArtifacts: true}
}

// persist atomically writes snap and archives the document in the ledger.
// Only the state file write can fail the tick.
func (t *ticker) persist(ctx context.Context, snap domain.ProtocolStateSnapshot, transitioned bool, reason StopReason) error {
	data, err := persistence.SerializeState(snap, persistence.SerializeOptions{PersistedAt: t.now})
	if err == nil {
		err = persistence.WriteDocument(t.statePath, data)
	}
	if err != nil {
		t.rec.IncPersistenceError(string(persistence.KindOf(err)))
		return fmt.Errorf("persist state: %w", err)
	}

	if t.tc.Ledger != nil {
		_, aerr := t.tc.Ledger.ArchiveTick(ctx, store.TickArchive{
			Kind:         snap.State.Kind(),
			Phase:        domain.PhaseOf(snap.State),
			StopReason:   string(reason),
			Transitioned: transitioned,
			Document:     data,
		})
		if aerr != nil {
			t.log.Warn("archive tick failed", "error", aerr)
		}
	}
	return nil
}

func (t *ticker) externalError(snap domain.ProtocolStateSnapshot, err error) TickResult {
	t.log.Error("tick failed", "error", err)
	return TickResult{Snapshot: snap, StopReason: StopExternalError, Err: err}
}

func (t *ticker) decide(ctx context.Context, kind domain.DecisionKind, phase domain.ProtocolPhase, subject, detail string) {
	if t.tc.Ledger == nil {
		return
	}
	err := t.tc.Ledger.RecordDecision(ctx, domain.Decision{
		Kind:      kind,
		Phase:     phase,
		Subject:   subject,
		Detail:    detail,
		CreatedAt: t.now,
	})
	if err != nil {
		t.log.Warn("record decision failed", "kind", string(kind), "error", err)
	}
}

func (t *ticker) notify(ctx context.Context, event notify.Event, payload map[string]any) {
	deliver(ctx, t.tc.Notifier, t.log, event, payload)
}

// deliver sends a best-effort notification, logging any failure.
func deliver(ctx context.Context, n notify.Notifier, log *logging.Logger, event notify.Event, payload map[string]any) {
	if n == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("notifier panicked", "event", string(event), "panic", fmt.Sprint(r))
		}
	}()
	if err := n.Notify(ctx, event, payload); err != nil {
		log.Warn("notification failed", "event", string(event), "error", err)
	}
}

func artifactNames(as []domain.ArtifactType) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = string(a)
	}
	return out
}
