// Package synthesis drives one function through the escalation ladder: it
// prompts a model tier, verifies the output and applies the escalation
// policy until the function is accepted or the circuit breaks.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
	"github.com/rogers-f/criticality/internal/logging"
	"github.com/rogers-f/criticality/internal/metrics"
	"github.com/rogers-f/criticality/internal/router"
)

// Target is one function to synthesize.
type Target struct {
	FunctionID string
	Prompt     string
	StartTier  escalation.ModelTier
	Phase      domain.ProtocolPhase
}

// Verifier checks generated code. A nil FailureType means the code is
// accepted; an error means verification itself could not run.
type Verifier interface {
	Verify(ctx context.Context, target Target, code string) (escalation.FailureType, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, target Target, code string) (escalation.FailureType, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, target Target, code string) (escalation.FailureType, error) {
	return f(ctx, target, code)
}

// DecisionRecorder receives one ledger entry per escalation decision.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d domain.Decision) error
}

// Status is the terminal outcome of a synthesis run.
type Status string

const (
	StatusSucceeded     Status = "succeeded"
	StatusCircuitBroken Status = "circuit_broken"
)

// Outcome describes how a synthesis run ended.
type Outcome struct {
	Status              Status
	FunctionID          string
	Code                string
	Tier                escalation.ModelTier
	Attempts            escalation.FunctionAttempts
	RequiresHumanReview bool
	Reason              string
	LastFailure         escalation.FailureType
}

// Runner wires the router, the verifier and the attempt tracker together.
type Runner struct {
	Router   router.ModelRouter
	Verifier Verifier
	Tracker  *escalation.Tracker
	Ledger   DecisionRecorder
	Metrics  metrics.Recorder
	Logger   *logging.Logger
	Timeout  time.Duration
}

// Synthesize runs target to completion. Only infrastructure problems are
// returned as errors; a function the policy gives up on is an Outcome with
// StatusCircuitBroken.
func (r *Runner) Synthesize(ctx context.Context, target Target) (Outcome, error) {
	if target.FunctionID == "" {
		return Outcome{}, errors.New("synthesis: function id is required")
	}
	tier := target.StartTier
	if tier == "" {
		tier = escalation.TierWorker
	}
	if target.Phase == "" {
		target.Phase = domain.PhaseInjection
	}
	log := r.logger().With("function_id", target.FunctionID)
	rec := r.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}

	var summary, hint string
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		failure, code, err := r.attempt(ctx, target, tier, buildPrompt(target.Prompt, summary, hint))
		if err != nil {
			return Outcome{}, err
		}
		if failure == nil {
			attempts, err := r.Tracker.Get(ctx, target.FunctionID)
			if err != nil {
				return Outcome{}, err
			}
			log.Info("function accepted", "tier", string(tier), "total_attempts", attempts.Total)
			return Outcome{
				Status:     StatusSucceeded,
				FunctionID: target.FunctionID,
				Code:       code,
				Tier:       tier,
				Attempts:   attempts,
			}, nil
		}

		attempts, err := r.Tracker.Record(ctx, target.FunctionID, tier, failure)
		if err != nil {
			return Outcome{}, err
		}
		action := escalation.DetermineEscalation(failure, attempts, tier, r.Tracker.Config())
		rec.IncEscalation(string(action.Kind()), string(failure.Kind()))
		r.record(ctx, log, target, tier, failure, action)

		// Only the current failure is carried into the next prompt.
		summary = escalation.GenerateFailureSummary(failure)

		switch a := action.(type) {
		case escalation.RetrySame:
			hint = a.Hint
			if _, isSyntax := failure.(escalation.SyntaxFailure); isSyntax && hint != "" {
				if _, err := r.Tracker.MarkSyntaxHint(ctx, target.FunctionID); err != nil {
					return Outcome{}, err
				}
			}
			log.Debug("retrying on same tier", "tier", string(tier), "failure", string(failure.Kind()))
		case escalation.Escalate:
			log.Info("escalating", "from", string(tier), "to", string(a.To), "failure", string(failure.Kind()))
			tier = a.To
			hint = ""
			if _, err := r.Tracker.ResetSyntaxHint(ctx, target.FunctionID); err != nil {
				return Outcome{}, err
			}
		case escalation.CircuitBreak:
			log.Warn("circuit broken", "tier", string(tier), "reason", a.Reason, "human_review", a.RequiresHumanReview)
			return Outcome{
				Status:              StatusCircuitBroken,
				FunctionID:          target.FunctionID,
				Tier:                tier,
				Attempts:            attempts,
				RequiresHumanReview: a.RequiresHumanReview,
				Reason:              a.Reason,
				LastFailure:         failure,
			}, nil
		default:
			return Outcome{}, fmt.Errorf("synthesis: unhandled escalation action %T", action)
		}
	}
}

// attempt prompts tier once and verifies the reply. A request that ran out
// of time is reported as a timeout failure rather than an error.
func (r *Runner) attempt(ctx context.Context, target Target, tier escalation.ModelTier, prompt string) (escalation.FailureType, string, error) {
	resp, err := r.Router.Complete(ctx, router.Request{
		Tier:       tier,
		Prompt:     prompt,
		FunctionID: target.FunctionID,
		Timeout:    r.Timeout,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return escalation.TimeoutFailure{Resource: "model", Limit: r.Timeout.Milliseconds()}, "", nil
		}
		return nil, "", fmt.Errorf("prompt %s tier: %w", tier, err)
	}

	failure, err := r.Verifier.Verify(ctx, target, resp.Text)
	if err != nil {
		return nil, "", fmt.Errorf("verify %s: %w", target.FunctionID, err)
	}
	return failure, resp.Text, nil
}

func (r *Runner) record(ctx context.Context, log *logging.Logger, target Target, tier escalation.ModelTier, failure escalation.FailureType, action escalation.Action) {
	if r.Ledger == nil {
		return
	}
	detail := fmt.Sprintf("%s on %s: %s", failure.Kind(), tier, action.Kind())
	if e, ok := action.(escalation.Escalate); ok {
		detail += " to " + string(e.To)
	}
	err := r.Ledger.RecordDecision(ctx, domain.Decision{
		Kind:    domain.DecisionEscalation,
		Phase:   target.Phase,
		Subject: target.FunctionID,
		Detail:  detail,
	})
	if err != nil {
		log.Warn("record escalation decision failed", "error", err)
	}
}

func (r *Runner) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.NopLogger().WithComponent("synthesis")
	}
	return r.Logger.WithComponent("synthesis")
}

// buildPrompt appends the current failure and any hint to the base prompt.
func buildPrompt(base, summary, hint string) string {
	if summary == "" && hint == "" {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	if summary != "" {
		b.WriteString("\n\nThe previous attempt failed:\n")
		b.WriteString(summary)
	}
	if hint != "" {
		b.WriteString("\n\nHint: ")
		b.WriteString(hint)
	}
	return b.String()
}
