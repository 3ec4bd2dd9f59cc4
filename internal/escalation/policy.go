package escalation

import (
	"fmt"
	"strings"
)

// Config bounds the retry policy.
type Config struct {
	MaxAttemptsPerFunction int
	SyntaxRetryLimit       int
	TypeRetryLimit         int
	TestRetryLimit         int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerFunction: 8,
		SyntaxRetryLimit:       2,
		TypeRetryLimit:         2,
		TestRetryLimit:         3,
	}
}

// ActionKind discriminates the Action variants.
type ActionKind string

const (
	ActionRetrySame    ActionKind = "retry_same"
	ActionEscalate     ActionKind = "escalate"
	ActionCircuitBreak ActionKind = "circuit_break"
)

// Action is the outcome of DetermineEscalation.
type Action interface {
	Kind() ActionKind
	isAction()
}

// RetrySame retries on the current tier, optionally decorating the prompt.
type RetrySame struct {
	Hint string
}

// Escalate moves the function to a higher tier.
type Escalate struct {
	To ModelTier
}

// CircuitBreak stops automatic work on the function.
type CircuitBreak struct {
	RequiresHumanReview bool
	Reason              string
}

func (RetrySame) Kind() ActionKind    { return ActionRetrySame }
func (Escalate) Kind() ActionKind     { return ActionEscalate }
func (CircuitBreak) Kind() ActionKind { return ActionCircuitBreak }

func (RetrySame) isAction()    {}
func (Escalate) isAction()     {}
func (CircuitBreak) isAction() {}

// DetermineEscalation chooses what to do after failure, given the history in
// attempts (which already counts the failed attempt) and the tier the
// attempt ran on. It is total: every input yields exactly one Action.
func DetermineEscalation(failure FailureType, attempts FunctionAttempts, current ModelTier, cfg Config) Action {
	if cfg.MaxAttemptsPerFunction > 0 && attempts.Total >= cfg.MaxAttemptsPerFunction {
		return CircuitBreak{
			Reason: fmt.Sprintf("function %s reached %d attempts", attempts.FunctionID, attempts.Total),
		}
	}

	onTier := attempts.On(current)

	switch f := failure.(type) {
	case CoherenceFailure:
		return CircuitBreak{
			Reason: "coherence conflict with " + strings.Join(f.ConflictingFunctions, ", "),
		}

	case SecurityFailure:
		if current != TierArchitect {
			return Escalate{To: TierArchitect}
		}
		return CircuitBreak{RequiresHumanReview: true, Reason: "security vulnerability " + f.Vulnerability + " at top tier"}

	case TimeoutFailure:
		return escalateFrom(current, false, fmt.Sprintf("%s timeout", f.Resource))

	case SemanticFailure:
		return escalateFrom(current, true, "semantic violation: "+f.Violation)

	case SyntaxFailure:
		if !f.Recoverable {
			return escalateFrom(current, false, "unrecoverable syntax error")
		}
		if onTier < cfg.SyntaxRetryLimit {
			if onTier == cfg.SyntaxRetryLimit-1 && !attempts.SyntaxHintProvided {
				return RetrySame{Hint: syntaxHint(f)}
			}
			return RetrySame{}
		}
		return escalateFrom(current, false, "syntax retries exhausted")

	case TypeFailure:
		if onTier < cfg.TypeRetryLimit {
			return RetrySame{Hint: typeHint(f)}
		}
		return escalateFrom(current, false, "type retries exhausted")

	case TestFailure:
		if onTier < cfg.TestRetryLimit {
			return RetrySame{}
		}
		return escalateFrom(current, true, "test retries exhausted")

	case ComplexityFailure:
		if onTier < cfg.TestRetryLimit {
			return RetrySame{}
		}
		return escalateFrom(current, true, "complexity retries exhausted")

	default:
		return CircuitBreak{RequiresHumanReview: true, Reason: fmt.Sprintf("unclassified failure %T", failure)}
	}
}

// escalateFrom moves one tier up, or circuit-breaks when already at the top
// or on an unknown tier.
func escalateFrom(current ModelTier, humanReviewAtTop bool, reason string) Action {
	if next, ok := current.Next(); ok {
		return Escalate{To: next}
	}
	return CircuitBreak{RequiresHumanReview: humanReviewAtTop, Reason: reason + " at top tier"}
}

func syntaxHint(f SyntaxFailure) string {
	var b strings.Builder
	b.WriteString("The previous output did not parse.")
	if f.Message != "" {
		b.WriteString(" Parser error: ")
		b.WriteString(f.Message)
		b.WriteString(".")
	}
	b.WriteString(" Return only complete, syntactically valid code with balanced delimiters and no prose.")
	return b.String()
}

func typeHint(f TypeFailure) string {
	var b strings.Builder
	b.WriteString("The previous output failed type checking.")
	if f.Message != "" {
		b.WriteString(" Checker error: ")
		b.WriteString(f.Message)
		b.WriteString(".")
	}
	b.WriteString(" Re-read the full signatures and type definitions in context before answering.")
	return b.String()
}
