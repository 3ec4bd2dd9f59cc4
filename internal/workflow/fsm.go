// Package workflow implements the protocol's transition table and blocking rules.
package workflow

import (
	"fmt"
	"strings"

	"github.com/rogers-f/criticality/internal/domain"
)

// validTransitions defines the legal phase transitions.
// The protocol is linear: each working phase has exactly one successor and
// the terminal phase has none.
var validTransitions = map[domain.ProtocolPhase]domain.ProtocolPhase{
	domain.PhaseIgnition:         domain.PhaseLattice,
	domain.PhaseLattice:          domain.PhaseCompositionAudit,
	domain.PhaseCompositionAudit: domain.PhaseInjection,
	domain.PhaseInjection:        domain.PhaseMesoscopic,
	domain.PhaseMesoscopic:       domain.PhaseMassDefect,
	domain.PhaseMassDefect:       domain.PhaseComplete,
}

// requiredArtifacts lists what must already exist before a phase may be entered.
var requiredArtifacts = map[domain.ProtocolPhase][]domain.ArtifactType{
	domain.PhaseIgnition: {},
	domain.PhaseLattice:  {domain.ArtifactSpec},
	domain.PhaseCompositionAudit: {
		domain.ArtifactSpec,
		domain.ArtifactLatticeCode,
		domain.ArtifactWitnesses,
		domain.ArtifactContracts,
	},
	domain.PhaseInjection:  {domain.ArtifactValidatedStructure},
	domain.PhaseMesoscopic: {domain.ArtifactImplementedCode},
	domain.PhaseMassDefect: {domain.ArtifactVerifiedCode},
	domain.PhaseComplete:   {domain.ArtifactFinalArtifact},
}

// RequiredArtifacts returns the artifacts needed to enter phase.
func RequiredArtifacts(phase domain.ProtocolPhase) []domain.ArtifactType {
	req := requiredArtifacts[phase]
	out := make([]domain.ArtifactType, len(req))
	copy(out, req)
	return out
}

// GetValidTransitions returns the successors of phase. The result holds at
// most one element and never depends on artifact state.
func GetValidTransitions(phase domain.ProtocolPhase) []domain.ProtocolPhase {
	next, ok := validTransitions[phase]
	if !ok {
		return nil
	}
	return []domain.ProtocolPhase{next}
}

// NextPhase returns the canonical successor of phase.
func NextPhase(phase domain.ProtocolPhase) (domain.ProtocolPhase, bool) {
	next, ok := validTransitions[phase]
	return next, ok
}

// IsValidTransition checks if a phase transition is legal.
func IsValidTransition(from, to domain.ProtocolPhase) bool {
	next, ok := validTransitions[from]
	return ok && next == to
}

// MissingArtifacts returns the artifacts required by target that are absent
// from available, in table order.
func MissingArtifacts(target domain.ProtocolPhase, available []domain.ArtifactType) []domain.ArtifactType {
	have := make(map[domain.ArtifactType]bool, len(available))
	for _, a := range available {
		have[a] = true
	}
	var missing []domain.ArtifactType
	for _, a := range requiredArtifacts[target] {
		if !have[a] {
			missing = append(missing, a)
		}
	}
	return missing
}

// TransitionContext carries the caller-supplied inputs to a transition.
type TransitionContext struct {
	Artifacts []domain.ArtifactType
}

// RejectionError explains why Transition refused to move.
type RejectionError struct {
	From    domain.ProtocolPhase
	To      domain.ProtocolPhase
	Missing []domain.ArtifactType
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	if len(e.Missing) > 0 {
		names := make([]string, len(e.Missing))
		for i, a := range e.Missing {
			names[i] = string(a)
		}
		return fmt.Sprintf("transition %s -> %s: missing artifacts [%s]", e.From, e.To, strings.Join(names, ", "))
	}
	return fmt.Sprintf("transition %s -> %s: not a valid successor", e.From, e.To)
}

// Is lets callers match the rejection against the domain sentinels.
func (e *RejectionError) Is(target error) bool {
	if len(e.Missing) > 0 {
		return target == domain.ErrMissingArtifacts
	}
	return target == domain.ErrInvalidTransition
}

// Transition moves current into target at target's initial substate. It
// succeeds only when target is the successor of current's phase and every
// artifact required by target is in tc.Artifacts.
func Transition(current domain.PhaseState, target domain.ProtocolPhase, tc TransitionContext) (domain.PhaseState, error) {
	if !IsValidTransition(current.Phase, target) {
		return domain.PhaseState{}, &RejectionError{From: current.Phase, To: target}
	}
	if missing := MissingArtifacts(target, tc.Artifacts); len(missing) > 0 {
		return domain.PhaseState{}, &RejectionError{From: current.Phase, To: target, Missing: missing}
	}
	return domain.DefaultPhaseState(target), nil
}
