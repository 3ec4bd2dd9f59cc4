package workflow

import (
	"errors"
	"testing"

	"github.com/rogers-f/criticality/internal/domain"
)

func TestGetValidTransitions_AtMostOne(t *testing.T) {
	for _, p := range domain.AllPhases() {
		next := GetValidTransitions(p)
		if len(next) > 1 {
			t.Errorf("GetValidTransitions(%s) len = %d, want <= 1", p, len(next))
		}
		if p.IsTerminal() && len(next) != 0 {
			t.Errorf("terminal phase %s has successors %v", p, next)
		}
		if !p.IsTerminal() && len(next) != 1 {
			t.Errorf("working phase %s has %d successors, want 1", p, len(next))
		}
	}
}

func TestGetValidTransitions_FollowsChain(t *testing.T) {
	phases := domain.AllPhases()
	for i := 0; i < len(phases)-1; i++ {
		next := GetValidTransitions(phases[i])
		if len(next) != 1 || next[0] != phases[i+1] {
			t.Errorf("successor of %s = %v, want %s", phases[i], next, phases[i+1])
		}
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to domain.ProtocolPhase
		want     bool
	}{
		{domain.PhaseIgnition, domain.PhaseLattice, true},
		{domain.PhaseLattice, domain.PhaseCompositionAudit, true},
		{domain.PhaseMassDefect, domain.PhaseComplete, true},
		{domain.PhaseIgnition, domain.PhaseInjection, false},
		{domain.PhaseLattice, domain.PhaseIgnition, false},
		{domain.PhaseComplete, domain.PhaseIgnition, false},
		{domain.PhaseInjection, domain.PhaseInjection, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_IgnitionToLattice(t *testing.T) {
	current := domain.DefaultPhaseState(domain.PhaseIgnition)
	got, err := Transition(current, domain.PhaseLattice, TransitionContext{
		Artifacts: []domain.ArtifactType{domain.ArtifactSpec},
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Phase != domain.PhaseLattice {
		t.Errorf("Phase = %q, want Lattice", got.Phase)
	}
	if _, ok := got.Substate.(domain.LatticeGeneratingStructure); !ok {
		t.Errorf("Substate = %T, want LatticeGeneratingStructure", got.Substate)
	}
}

func TestTransition_MissingArtifacts(t *testing.T) {
	current := domain.DefaultPhaseState(domain.PhaseLattice)
	_, err := Transition(current, domain.PhaseCompositionAudit, TransitionContext{
		Artifacts: []domain.ArtifactType{domain.ArtifactSpec, domain.ArtifactWitnesses},
	})
	if !errors.Is(err, domain.ErrMissingArtifacts) {
		t.Fatalf("err = %v, want ErrMissingArtifacts", err)
	}

	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("err is %T, want *RejectionError", err)
	}
	want := []domain.ArtifactType{domain.ArtifactLatticeCode, domain.ArtifactContracts}
	if len(rej.Missing) != len(want) {
		t.Fatalf("Missing = %v, want %v", rej.Missing, want)
	}
	for i := range want {
		if rej.Missing[i] != want[i] {
			t.Errorf("Missing[%d] = %q, want %q", i, rej.Missing[i], want[i])
		}
	}
}

func TestTransition_NotSuccessor(t *testing.T) {
	current := domain.DefaultPhaseState(domain.PhaseIgnition)
	all := domain.AllArtifactTypes()
	_, err := Transition(current, domain.PhaseInjection, TransitionContext{Artifacts: all})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	if errors.Is(err, domain.ErrMissingArtifacts) {
		t.Error("skip-ahead rejection should not report missing artifacts")
	}
}

func TestTransition_FullChainWithAllArtifacts(t *testing.T) {
	all := domain.AllArtifactTypes()
	current := domain.DefaultPhaseState(domain.PhaseIgnition)

	for !current.Phase.IsTerminal() {
		next, ok := NextPhase(current.Phase)
		if !ok {
			t.Fatalf("no successor for %s", current.Phase)
		}
		got, err := Transition(current, next, TransitionContext{Artifacts: all})
		if err != nil {
			t.Fatalf("Transition %s -> %s: %v", current.Phase, next, err)
		}
		current = got
	}
	if current.Substate != nil {
		t.Errorf("Complete substate = %T, want nil", current.Substate)
	}
}

func TestRequiredArtifacts_ReturnsCopy(t *testing.T) {
	req := RequiredArtifacts(domain.PhaseCompositionAudit)
	if len(req) != 4 {
		t.Fatalf("len = %d, want 4", len(req))
	}
	req[0] = "mutated"
	if RequiredArtifacts(domain.PhaseCompositionAudit)[0] != domain.ArtifactSpec {
		t.Error("RequiredArtifacts leaked its backing table")
	}
	if len(RequiredArtifacts(domain.PhaseIgnition)) != 0 {
		t.Error("Ignition should require nothing")
	}
}
