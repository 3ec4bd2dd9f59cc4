// Package domain defines the core types for the criticality synthesis protocol.
package domain

import (
	"fmt"
	"slices"
	"time"
)

// ProtocolPhase is one stage of the synthesis protocol.
type ProtocolPhase string

const (
	PhaseIgnition         ProtocolPhase = "Ignition"
	PhaseLattice          ProtocolPhase = "Lattice"
	PhaseCompositionAudit ProtocolPhase = "CompositionAudit"
	PhaseInjection        ProtocolPhase = "Injection"
	PhaseMesoscopic       ProtocolPhase = "Mesoscopic"
	PhaseMassDefect       ProtocolPhase = "MassDefect"
	PhaseComplete         ProtocolPhase = "Complete"
)

// phaseOrder is the fixed protocol chain. The last entry is terminal.
var phaseOrder = []ProtocolPhase{
	PhaseIgnition,
	PhaseLattice,
	PhaseCompositionAudit,
	PhaseInjection,
	PhaseMesoscopic,
	PhaseMassDefect,
	PhaseComplete,
}

// AllPhases returns the protocol phases in chain order.
func AllPhases() []ProtocolPhase {
	return slices.Clone(phaseOrder)
}

// Index returns the position of the phase in the chain, or -1 if unknown.
func (p ProtocolPhase) Index() int {
	return slices.Index(phaseOrder, p)
}

// IsValid reports whether p is one of the seven protocol phases.
func (p ProtocolPhase) IsValid() bool {
	return p.Index() >= 0
}

// IsTerminal reports whether p is the terminal phase.
func (p ProtocolPhase) IsTerminal() bool {
	return p == PhaseComplete
}

// ParsePhase converts a string into a ProtocolPhase.
func ParsePhase(s string) (ProtocolPhase, error) {
	p := ProtocolPhase(s)
	if !p.IsValid() {
		return "", NewEngineError(ErrInvalidPhase.Code, fmt.Sprintf("%s: %q", ErrInvalidPhase.Message, s))
	}
	return p, nil
}

// ArtifactType identifies a class of durable output that gates later phases.
type ArtifactType string

const (
	ArtifactSpec               ArtifactType = "spec"
	ArtifactLatticeCode        ArtifactType = "latticeCode"
	ArtifactWitnesses          ArtifactType = "witnesses"
	ArtifactContracts          ArtifactType = "contracts"
	ArtifactValidatedStructure ArtifactType = "validatedStructure"
	ArtifactImplementedCode    ArtifactType = "implementedCode"
	ArtifactVerifiedCode       ArtifactType = "verifiedCode"
	ArtifactFinalArtifact      ArtifactType = "finalArtifact"
)

var knownArtifacts = []ArtifactType{
	ArtifactSpec,
	ArtifactLatticeCode,
	ArtifactWitnesses,
	ArtifactContracts,
	ArtifactValidatedStructure,
	ArtifactImplementedCode,
	ArtifactVerifiedCode,
	ArtifactFinalArtifact,
}

// AllArtifactTypes returns every known artifact type.
func AllArtifactTypes() []ArtifactType {
	return slices.Clone(knownArtifacts)
}

// IsValid reports whether a is a known artifact type.
func (a ArtifactType) IsValid() bool {
	return slices.Contains(knownArtifacts, a)
}

// ParseArtifactType converts a string into an ArtifactType.
func ParseArtifactType(s string) (ArtifactType, error) {
	a := ArtifactType(s)
	if !a.IsValid() {
		return "", NewEngineError(ErrInvalidArtifact.Code, fmt.Sprintf("%s: %q", ErrInvalidArtifact.Message, s))
	}
	return a, nil
}

// StateKind discriminates the ProtocolState variants.
type StateKind string

const (
	KindActive   StateKind = "Active"
	KindBlocked  StateKind = "Blocked"
	KindFailed   StateKind = "Failed"
	KindComplete StateKind = "Complete"
)

// ProtocolState is the outer protocol state. The implementations are
// ActiveState, BlockedState, FailedState and CompleteState.
type ProtocolState interface {
	Kind() StateKind
	isProtocolState()
}

// ActiveState is normal progression within a phase.
type ActiveState struct {
	Phase PhaseState
}

// BlockedState is paused awaiting a human answer.
type BlockedState struct {
	Phase     ProtocolPhase
	Query     string
	Options   []string
	BlockedAt time.Time
	TimeoutMs *int64
}

// FailedState is abnormal termination. Recoverable tells the caller whether
// restarting the same phase is sound.
type FailedState struct {
	Phase       ProtocolPhase
	Error       string
	Code        string
	Recoverable bool
	Context     map[string]string
	FailedAt    time.Time
}

// CompleteState is terminal success.
type CompleteState struct {
	Artifacts []ArtifactType
}

func (ActiveState) Kind() StateKind   { return KindActive }
func (BlockedState) Kind() StateKind  { return KindBlocked }
func (FailedState) Kind() StateKind   { return KindFailed }
func (CompleteState) Kind() StateKind { return KindComplete }

func (ActiveState) isProtocolState()   {}
func (BlockedState) isProtocolState()  {}
func (FailedState) isProtocolState()   {}
func (CompleteState) isProtocolState() {}

// Failure codes carried by FailedState.Code.
const (
	CodeTimeout      = "TIMEOUT"
	CodeActionFailed = "ACTION_FAILED"
)

// PhaseOf returns the phase a state belongs to. CompleteState maps to PhaseComplete.
func PhaseOf(s ProtocolState) ProtocolPhase {
	switch st := s.(type) {
	case ActiveState:
		return st.Phase.Phase
	case BlockedState:
		return st.Phase
	case FailedState:
		return st.Phase
	case CompleteState:
		return PhaseComplete
	default:
		panic(fmt.Sprintf("domain: unhandled protocol state %T", s))
	}
}

// BlockingRecord is one open question to a human.
type BlockingRecord struct {
	ID        string
	Phase     ProtocolPhase
	Query     string
	Options   []string
	BlockedAt time.Time
	TimeoutMs *int64
	Resolved  bool
}

// BlockingResolution is a human's answer to a BlockingRecord.
type BlockingResolution struct {
	QueryID    string
	Response   string
	ResolvedAt time.Time
}

// ProtocolStateSnapshot is the unit of persistence.
type ProtocolStateSnapshot struct {
	State           ProtocolState
	Artifacts       []ArtifactType
	BlockingQueries []BlockingRecord
}

// NewInitialSnapshot returns the cold-start snapshot: Active in Ignition
// with no artifacts and no open queries.
func NewInitialSnapshot() ProtocolStateSnapshot {
	return ProtocolStateSnapshot{
		State:           ActiveState{Phase: DefaultPhaseState(PhaseIgnition)},
		Artifacts:       []ArtifactType{},
		BlockingQueries: []BlockingRecord{},
	}
}

// HasArtifact reports whether the snapshot already holds the artifact.
func (s ProtocolStateSnapshot) HasArtifact(a ArtifactType) bool {
	return slices.Contains(s.Artifacts, a)
}

// WithArtifacts returns a copy of s with the given artifacts appended in
// order, skipping any already present. The second result reports whether
// anything was added.
func (s ProtocolStateSnapshot) WithArtifacts(add ...ArtifactType) (ProtocolStateSnapshot, bool) {
	out := s.Clone()
	added := false
	for _, a := range add {
		if slices.Contains(out.Artifacts, a) {
			continue
		}
		out.Artifacts = append(out.Artifacts, a)
		added = true
	}
	return out, added
}

// Clone returns a copy of s whose slices do not alias the original.
func (s ProtocolStateSnapshot) Clone() ProtocolStateSnapshot {
	out := ProtocolStateSnapshot{
		State:           s.State,
		Artifacts:       slices.Clone(s.Artifacts),
		BlockingQueries: slices.Clone(s.BlockingQueries),
	}
	if out.Artifacts == nil {
		out.Artifacts = []ArtifactType{}
	}
	if out.BlockingQueries == nil {
		out.BlockingQueries = []BlockingRecord{}
	}
	return out
}

// OpenQuery returns the unresolved blocking record raised in phase, if any.
func (s ProtocolStateSnapshot) OpenQuery(phase ProtocolPhase) (BlockingRecord, bool) {
	for _, q := range s.BlockingQueries {
		if q.Phase == phase && !q.Resolved {
			return q, true
		}
	}
	return BlockingRecord{}, false
}

// DecisionKind classifies a decision ledger entry.
type DecisionKind string

const (
	DecisionTransition DecisionKind = "transition"
	DecisionBlock      DecisionKind = "block"
	DecisionResolution DecisionKind = "resolution"
	DecisionTimeout    DecisionKind = "timeout"
	DecisionFailure    DecisionKind = "failure"
	DecisionEscalation DecisionKind = "escalation"
)

// Decision is one entry in the decision ledger.
type Decision struct {
	ID        string
	Kind      DecisionKind
	Phase     ProtocolPhase
	Subject   string
	Detail    string
	CreatedAt time.Time
}

// SnapshotRecord is an archived, checksummed state document.
type SnapshotRecord struct {
	ID           int64
	TickSeq      int64
	Kind         StateKind
	Phase        ProtocolPhase
	DocumentJSON string
	Checksum     string
	CreatedAt    int64
}

// TickEvent is the ledger record of one persisted tick.
type TickEvent struct {
	ID           int64
	SeqNo        int64
	Phase        ProtocolPhase
	Kind         StateKind
	StopReason   string
	Transitioned bool
	CreatedAt    int64
}
