package escalation

import "fmt"

// ModelTier is one rung of the escalation ladder, ordered
// worker < fallback < architect.
type ModelTier string

const (
	TierWorker    ModelTier = "worker"
	TierFallback  ModelTier = "fallback"
	TierArchitect ModelTier = "architect"
)

var tierOrder = [...]ModelTier{TierWorker, TierFallback, TierArchitect}

// AllTiers returns the tiers in ascending order.
func AllTiers() []ModelTier {
	return append([]ModelTier(nil), tierOrder[:]...)
}

// Rank returns the tier's position, or -1 for an unknown tier.
func (t ModelTier) Rank() int {
	for i, o := range tierOrder {
		if o == t {
			return i
		}
	}
	return -1
}

// Next returns the tier above t. The top tier has none.
func (t ModelTier) Next() (ModelTier, bool) {
	r := t.Rank()
	if r < 0 || r+1 >= len(tierOrder) {
		return "", false
	}
	return tierOrder[r+1], true
}

// IsTop reports whether t is the highest tier.
func (t ModelTier) IsTop() bool {
	return t == tierOrder[len(tierOrder)-1]
}

// ParseTier converts a string into a ModelTier.
func ParseTier(s string) (ModelTier, error) {
	t := ModelTier(s)
	if t.Rank() < 0 {
		return "", fmt.Errorf("unknown model tier %q", s)
	}
	return t, nil
}

// FunctionAttempts is the attempt history of one synthesis target. Every
// update method returns a new value and leaves the receiver unchanged.
type FunctionAttempts struct {
	FunctionID         string
	Attempts           [len(tierOrder)]int
	Total              int
	LastFailure        FailureType
	SyntaxHintProvided bool
}

// NewFunctionAttempts starts an empty history for id.
func NewFunctionAttempts(id string) FunctionAttempts {
	return FunctionAttempts{FunctionID: id}
}

// On returns the number of attempts made on tier.
func (a FunctionAttempts) On(tier ModelTier) int {
	r := tier.Rank()
	if r < 0 {
		return 0
	}
	return a.Attempts[r]
}

// RecordAttempt counts one failed attempt on tier.
func (a FunctionAttempts) RecordAttempt(tier ModelTier, failure FailureType) FunctionAttempts {
	out := a
	if r := tier.Rank(); r >= 0 {
		out.Attempts[r]++
	}
	out.Total++
	out.LastFailure = failure
	return out
}

// RecordSyntaxHint marks that a syntax hint was supplied on the current tier.
func (a FunctionAttempts) RecordSyntaxHint() FunctionAttempts {
	out := a
	out.SyntaxHintProvided = true
	return out
}

// ResetSyntaxHint clears the hint flag, done when moving to a new tier.
func (a FunctionAttempts) ResetSyntaxHint() FunctionAttempts {
	out := a
	out.SyntaxHintProvided = false
	return out
}
