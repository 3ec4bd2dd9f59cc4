// Package orchestrator drives the protocol one tick at a time: it evaluates
// the current state, performs at most one state change and persists it.
package orchestrator

import (
	"context"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/store"
)

// BlockingRequest asks the orchestrator to pause for a human answer.
type BlockingRequest struct {
	Query     string
	Options   []string
	TimeoutMs *int64
}

// ActionResult is the outcome of one external operation.
type ActionResult struct {
	Success     bool
	Artifacts   []domain.ArtifactType
	Error       string
	Recoverable bool
	Blocking    *BlockingRequest
}

// Succeeded returns a successful result carrying artifacts.
func Succeeded(artifacts ...domain.ArtifactType) ActionResult {
	return ActionResult{Success: true, Artifacts: artifacts}
}

// FailedResult returns an unsuccessful result.
func FailedResult(msg string, recoverable bool) ActionResult {
	return ActionResult{Error: msg, Recoverable: recoverable}
}

// ExternalOperations produces artifacts on behalf of the protocol. Each call
// reports failure through its ActionResult rather than by panicking.
type ExternalOperations interface {
	ExecuteModelCall(ctx context.Context, phase domain.ProtocolPhase) ActionResult
	RunCompilation(ctx context.Context) ActionResult
	RunTests(ctx context.Context) ActionResult
	ArchivePhaseArtifacts(ctx context.Context, phase domain.ProtocolPhase) ActionResult
	SendBlockingNotification(ctx context.Context, query string) error
}

// Ledger receives the decision trail and the archive of every persisted
// tick. store.Ledger implements it.
type Ledger interface {
	RecordDecision(ctx context.Context, d domain.Decision) error
	ArchiveTick(ctx context.Context, a store.TickArchive) (int64, error)
}
