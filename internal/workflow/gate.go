package workflow

import (
	"context"
	"fmt"

	"github.com/rogers-f/criticality/internal/domain"
)

// GateDecision is the result of evaluating phase exit conditions.
type GateDecision struct {
	Allow     bool
	Blockers  []string
	Missing   []domain.ArtifactType
	NextPhase domain.ProtocolPhase
}

// Gate evaluates whether a protocol can exit its current phase.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, phase domain.ProtocolPhase, artifacts []domain.ArtifactType) (GateDecision, error)
}

// ArtifactGate allows exit once every artifact required by the successor
// phase is present.
type ArtifactGate struct{}

// Name returns the gate name.
func (ArtifactGate) Name() string {
	return "artifacts"
}

// Evaluate checks the successor's required artifacts against artifacts.
func (ArtifactGate) Evaluate(_ context.Context, phase domain.ProtocolPhase, artifacts []domain.ArtifactType) (GateDecision, error) {
	next, ok := NextPhase(phase)
	if !ok {
		return GateDecision{
			Allow:    false,
			Blockers: []string{fmt.Sprintf("phase %s has no successor", phase)},
		}, nil
	}

	decision := GateDecision{Allow: true, NextPhase: next}
	for _, a := range MissingArtifacts(next, artifacts) {
		decision.Allow = false
		decision.Missing = append(decision.Missing, a)
		decision.Blockers = append(decision.Blockers, "missing artifact "+string(a))
	}
	return decision, nil
}
