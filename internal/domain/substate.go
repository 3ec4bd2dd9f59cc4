package domain

import "fmt"

// Substate is the step a protocol is at within one phase. Each
// implementation belongs to exactly one phase.
type Substate interface {
	Step() string
	Phase() ProtocolPhase
	isSubstate()
}

// PhaseState pairs a phase with a substate belonging to it. Substate is nil
// only for PhaseComplete.
type PhaseState struct {
	Phase    ProtocolPhase
	Substate Substate
}

// NewPhaseState builds a PhaseState, rejecting a substate from another phase.
func NewPhaseState(phase ProtocolPhase, sub Substate) (PhaseState, error) {
	if !phase.IsValid() {
		return PhaseState{}, NewEngineError(ErrInvalidPhase.Code, fmt.Sprintf("%s: %q", ErrInvalidPhase.Message, phase))
	}
	if phase.IsTerminal() {
		if sub != nil {
			return PhaseState{}, NewEngineError(ErrSubstateMismatch.Code,
				fmt.Sprintf("phase %s carries no substate, got %s", phase, sub.Step()))
		}
		return PhaseState{Phase: phase}, nil
	}
	if sub == nil {
		return PhaseState{}, NewEngineError(ErrSubstateMismatch.Code, fmt.Sprintf("phase %s requires a substate", phase))
	}
	if sub.Phase() != phase {
		return PhaseState{}, NewEngineError(ErrSubstateMismatch.Code,
			fmt.Sprintf("substate %s belongs to %s, not %s", sub.Step(), sub.Phase(), phase))
	}
	return PhaseState{Phase: phase, Substate: sub}, nil
}

// DefaultSubstate returns the initial step of a phase, or nil for PhaseComplete.
func DefaultSubstate(phase ProtocolPhase) Substate {
	switch phase {
	case PhaseIgnition:
		return IgnitionInterviewing{InterviewPhase: "discovery"}
	case PhaseLattice:
		return LatticeGeneratingStructure{}
	case PhaseCompositionAudit:
		return AuditAuditing{}
	case PhaseInjection:
		return InjectionSelectingFunction{}
	case PhaseMesoscopic:
		return MesoscopicGeneratingTests{}
	case PhaseMassDefect:
		return MassDefectAnalyzingComplexity{}
	default:
		return nil
	}
}

// DefaultPhaseState returns phase at its initial step.
func DefaultPhaseState(phase ProtocolPhase) PhaseState {
	return PhaseState{Phase: phase, Substate: DefaultSubstate(phase)}
}

// Step names. They are unique across all phases.
const (
	StepInterviewing            = "interviewing"
	StepSynthesizing            = "synthesizing"
	StepAwaitingApproval        = "awaitingApproval"
	StepGeneratingStructure     = "generatingStructure"
	StepCompilingCheck          = "compilingCheck"
	StepRepairingStructure      = "repairingStructure"
	StepAuditing                = "auditing"
	StepReportingContradictions = "reportingContradictions"
	StepSelectingFunction       = "selectingFunction"
	StepImplementing            = "implementing"
	StepVerifying               = "verifying"
	StepEscalating              = "escalating"
	StepGeneratingTests         = "generatingTests"
	StepExecutingCluster        = "executingCluster"
	StepHandlingVerdict         = "handlingVerdict"
	StepAnalyzingComplexity     = "analyzingComplexity"
	StepApplyingTransform       = "applyingTransform"
	StepVerifyingSemantics      = "verifyingSemantics"
)

// Ignition.

type IgnitionInterviewing struct {
	InterviewPhase string `json:"interviewPhase"`
	QuestionIndex  int    `json:"questionIndex"`
}

type IgnitionSynthesizing struct {
	Progress float64 `json:"progress"`
}

type IgnitionAwaitingApproval struct{}

// Lattice.

type LatticeGeneratingStructure struct {
	CurrentModule string `json:"currentModule,omitempty"`
}

type LatticeCompilingCheck struct {
	Attempt int `json:"attempt"`
}

type LatticeRepairingStructure struct {
	Errors        []string `json:"errors"`
	RepairAttempt int      `json:"repairAttempt"`
}

// CompositionAudit.

type AuditAuditing struct {
	AuditorsCompleted int `json:"auditorsCompleted"`
}

type AuditReportingContradictions struct {
	Severity string `json:"severity"`
}

// Injection.

type InjectionSelectingFunction struct{}

type InjectionImplementing struct {
	FunctionID string `json:"functionId"`
	Attempt    int    `json:"attempt"`
}

type InjectionVerifying struct {
	FunctionID string `json:"functionId"`
}

type InjectionEscalating struct {
	FunctionID string `json:"functionId"`
	FromTier   string `json:"fromTier"`
	ToTier     string `json:"toTier"`
}

// Mesoscopic.

type MesoscopicGeneratingTests struct{}

type MesoscopicExecutingCluster struct {
	ClusterID string  `json:"clusterId"`
	Progress  float64 `json:"progress"`
}

type MesoscopicHandlingVerdict struct {
	ClusterID string `json:"clusterId"`
	Passed    bool   `json:"passed"`
}

// MassDefect.

type MassDefectAnalyzingComplexity struct{}

type MassDefectApplyingTransform struct {
	PatternID  string `json:"patternId"`
	FunctionID string `json:"functionId"`
}

type MassDefectVerifyingSemantics struct {
	TransformID string `json:"transformId"`
}

func (IgnitionInterviewing) Step() string          { return StepInterviewing }
func (IgnitionSynthesizing) Step() string          { return StepSynthesizing }
func (IgnitionAwaitingApproval) Step() string      { return StepAwaitingApproval }
func (LatticeGeneratingStructure) Step() string    { return StepGeneratingStructure }
func (LatticeCompilingCheck) Step() string         { return StepCompilingCheck }
func (LatticeRepairingStructure) Step() string     { return StepRepairingStructure }
func (AuditAuditing) Step() string                 { return StepAuditing }
func (AuditReportingContradictions) Step() string  { return StepReportingContradictions }
func (InjectionSelectingFunction) Step() string    { return StepSelectingFunction }
func (InjectionImplementing) Step() string         { return StepImplementing }
func (InjectionVerifying) Step() string            { return StepVerifying }
func (InjectionEscalating) Step() string           { return StepEscalating }
func (MesoscopicGeneratingTests) Step() string     { return StepGeneratingTests }
func (MesoscopicExecutingCluster) Step() string    { return StepExecutingCluster }
func (MesoscopicHandlingVerdict) Step() string     { return StepHandlingVerdict }
func (MassDefectAnalyzingComplexity) Step() string { return StepAnalyzingComplexity }
func (MassDefectApplyingTransform) Step() string   { return StepApplyingTransform }
func (MassDefectVerifyingSemantics) Step() string  { return StepVerifyingSemantics }

func (IgnitionInterviewing) Phase() ProtocolPhase          { return PhaseIgnition }
func (IgnitionSynthesizing) Phase() ProtocolPhase          { return PhaseIgnition }
func (IgnitionAwaitingApproval) Phase() ProtocolPhase      { return PhaseIgnition }
func (LatticeGeneratingStructure) Phase() ProtocolPhase    { return PhaseLattice }
func (LatticeCompilingCheck) Phase() ProtocolPhase         { return PhaseLattice }
func (LatticeRepairingStructure) Phase() ProtocolPhase     { return PhaseLattice }
func (AuditAuditing) Phase() ProtocolPhase                 { return PhaseCompositionAudit }
func (AuditReportingContradictions) Phase() ProtocolPhase  { return PhaseCompositionAudit }
func (InjectionSelectingFunction) Phase() ProtocolPhase    { return PhaseInjection }
func (InjectionImplementing) Phase() ProtocolPhase         { return PhaseInjection }
func (InjectionVerifying) Phase() ProtocolPhase            { return PhaseInjection }
func (InjectionEscalating) Phase() ProtocolPhase           { return PhaseInjection }
func (MesoscopicGeneratingTests) Phase() ProtocolPhase     { return PhaseMesoscopic }
func (MesoscopicExecutingCluster) Phase() ProtocolPhase    { return PhaseMesoscopic }
func (MesoscopicHandlingVerdict) Phase() ProtocolPhase     { return PhaseMesoscopic }
func (MassDefectAnalyzingComplexity) Phase() ProtocolPhase { return PhaseMassDefect }
func (MassDefectApplyingTransform) Phase() ProtocolPhase   { return PhaseMassDefect }
func (MassDefectVerifyingSemantics) Phase() ProtocolPhase  { return PhaseMassDefect }

func (IgnitionInterviewing) isSubstate()          {}
func (IgnitionSynthesizing) isSubstate()          {}
func (IgnitionAwaitingApproval) isSubstate()      {}
func (LatticeGeneratingStructure) isSubstate()    {}
func (LatticeCompilingCheck) isSubstate()         {}
func (LatticeRepairingStructure) isSubstate()     {}
func (AuditAuditing) isSubstate()                 {}
func (AuditReportingContradictions) isSubstate()  {}
func (InjectionSelectingFunction) isSubstate()    {}
func (InjectionImplementing) isSubstate()         {}
func (InjectionVerifying) isSubstate()            {}
func (InjectionEscalating) isSubstate()           {}
func (MesoscopicGeneratingTests) isSubstate()     {}
func (MesoscopicExecutingCluster) isSubstate()    {}
func (MesoscopicHandlingVerdict) isSubstate()     {}
func (MassDefectAnalyzingComplexity) isSubstate() {}
func (MassDefectApplyingTransform) isSubstate()   {}
func (MassDefectVerifyingSemantics) isSubstate()  {}
