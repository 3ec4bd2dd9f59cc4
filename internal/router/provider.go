// Package router sends prompts to model provider processes, one provider per
// escalation tier, and reads their JSON-line replies.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
)

// ProviderSpec describes the process that serves one model tier.
type ProviderSpec struct {
	Tier    escalation.ModelTier
	Command string
	Args    []string
	Env     map[string]string
}

// ProviderRegistry is a thread-safe registry of provider specifications.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[escalation.ModelTier]ProviderSpec
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[escalation.ModelTier]ProviderSpec),
	}
}

// Register adds a provider spec to the registry.
// Returns ErrProviderUnavailable if the tier already has a provider.
func (r *ProviderRegistry) Register(spec ProviderSpec) error {
	if spec.Tier.Rank() < 0 {
		return domain.NewEngineError(domain.ErrTierUnavailable.Code, fmt.Sprintf("unknown tier %q", spec.Tier))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[spec.Tier]; exists {
		return domain.NewEngineError(
			domain.ErrProviderUnavailable.Code,
			fmt.Sprintf("provider already registered for tier %s", spec.Tier),
		)
	}
	r.providers[spec.Tier] = spec
	return nil
}

// Get returns the spec for a tier, or ErrTierUnavailable if none is registered.
func (r *ProviderRegistry) Get(tier escalation.ModelTier) (ProviderSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.providers[tier]
	if !ok {
		return ProviderSpec{}, domain.NewEngineError(domain.ErrTierUnavailable.Code,
			fmt.Sprintf("%s: %s", domain.ErrTierUnavailable.Message, tier))
	}
	return spec, nil
}

// Tiers returns the registered tiers from cheapest to most capable.
func (r *ProviderRegistry) Tiers() []escalation.ModelTier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make([]escalation.ModelTier, 0, len(r.providers))
	for tier := range r.providers {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].Rank() < tiers[j].Rank()
	})
	return tiers
}
