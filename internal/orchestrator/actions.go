package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/rogers-f/criticality/internal/domain"
)

// step is one external call made while crossing an edge.
type step struct {
	name string
	run  func(ctx context.Context, ops ExternalOperations, from domain.ProtocolPhase) ActionResult
}

var (
	archiveStep = step{"archive", func(ctx context.Context, ops ExternalOperations, from domain.ProtocolPhase) ActionResult {
		return ops.ArchivePhaseArtifacts(ctx, from)
	}}
	compileStep = step{"compile", func(ctx context.Context, ops ExternalOperations, _ domain.ProtocolPhase) ActionResult {
		return ops.RunCompilation(ctx)
	}}
	testStep = step{"test", func(ctx context.Context, ops ExternalOperations, _ domain.ProtocolPhase) ActionResult {
		return ops.RunTests(ctx)
	}}
	modelStep = step{"model", func(ctx context.Context, ops ExternalOperations, from domain.ProtocolPhase) ActionResult {
		return ops.ExecuteModelCall(ctx, from)
	}}
)

// edgeActions lists the steps run, in order, when leaving a phase.
var edgeActions = map[domain.ProtocolPhase][]step{
	domain.PhaseIgnition:         {archiveStep},
	domain.PhaseLattice:          {compileStep, archiveStep},
	domain.PhaseCompositionAudit: {modelStep, archiveStep},
	domain.PhaseInjection:        {compileStep, archiveStep},
	domain.PhaseMesoscopic:       {testStep, archiveStep},
	domain.PhaseMassDefect:       {archiveStep},
}

// actionOutcome folds the step results of one edge.
type actionOutcome struct {
	Artifacts []domain.ArtifactType
	Failed    *ActionResult
	FailedAt  string
	Blocking  *BlockingRequest
}

// runEdgeActions runs the steps for leaving from. The first step that does
// not succeed, or that asks to block, stops the sequence. Artifacts from
// every step that ran are collected in order without duplicates.
func runEdgeActions(ctx context.Context, ops ExternalOperations, from domain.ProtocolPhase) actionOutcome {
	var out actionOutcome
	if ops == nil {
		return out
	}
	for _, s := range edgeActions[from] {
		res := safeRun(ctx, ops, s, from)
		for _, a := range res.Artifacts {
			if !slices.Contains(out.Artifacts, a) {
				out.Artifacts = append(out.Artifacts, a)
			}
		}
		if res.Blocking != nil {
			out.Blocking = res.Blocking
			return out
		}
		if !res.Success {
			out.Failed = &res
			out.FailedAt = s.name
			return out
		}
	}
	return out
}

// safeRun converts a panicking step into a non-recoverable failure.
func safeRun(ctx context.Context, ops ExternalOperations, s step, from domain.ProtocolPhase) (res ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = FailedResult(fmt.Sprintf("%s step panicked: %v", s.name, r), false)
		}
	}()
	return s.run(ctx, ops, from)
}
