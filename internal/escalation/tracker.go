package escalation

import (
	"context"
	"fmt"
	"sync"
)

// AttemptStore persists attempt histories between runs.
type AttemptStore interface {
	SaveAttempts(ctx context.Context, a FunctionAttempts) error
	LoadAttempts(ctx context.Context, functionID string) (FunctionAttempts, bool, error)
}

// Tracker owns the per-function attempt map. Entries are replaced, never
// mutated, so a value returned by Get stays valid after later updates.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]FunctionAttempts
	store   AttemptStore
	cfg     Config
}

// NewTracker creates a Tracker. store may be nil for in-memory tracking.
func NewTracker(cfg Config, store AttemptStore) *Tracker {
	return &Tracker{
		entries: make(map[string]FunctionAttempts),
		store:   store,
		cfg:     cfg,
	}
}

// Config returns the policy limits the tracker decides with.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Get returns the history for id, loading it from the store on first use.
func (t *Tracker) Get(ctx context.Context, id string) (FunctionAttempts, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(ctx, id)
}

func (t *Tracker) getLocked(ctx context.Context, id string) (FunctionAttempts, error) {
	if a, ok := t.entries[id]; ok {
		return a, nil
	}
	a := NewFunctionAttempts(id)
	if t.store != nil {
		loaded, found, err := t.store.LoadAttempts(ctx, id)
		if err != nil {
			return a, fmt.Errorf("load attempts for %s: %w", id, err)
		}
		if found {
			a = loaded
		}
	}
	t.entries[id] = a
	return a, nil
}

// update applies fn to the history for id and stores the result.
func (t *Tracker) update(ctx context.Context, id string, fn func(FunctionAttempts) FunctionAttempts) (FunctionAttempts, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.getLocked(ctx, id)
	if err != nil {
		return cur, err
	}
	next := fn(cur)
	t.entries[id] = next
	if t.store != nil {
		if err := t.store.SaveAttempts(ctx, next); err != nil {
			return next, fmt.Errorf("save attempts for %s: %w", id, err)
		}
	}
	return next, nil
}

// Record counts a failed attempt for id on tier.
func (t *Tracker) Record(ctx context.Context, id string, tier ModelTier, failure FailureType) (FunctionAttempts, error) {
	return t.update(ctx, id, func(a FunctionAttempts) FunctionAttempts {
		return a.RecordAttempt(tier, failure)
	})
}

// MarkSyntaxHint records that a syntax hint was given for id.
func (t *Tracker) MarkSyntaxHint(ctx context.Context, id string) (FunctionAttempts, error) {
	return t.update(ctx, id, FunctionAttempts.RecordSyntaxHint)
}

// ResetSyntaxHint clears the hint flag for id.
func (t *Tracker) ResetSyntaxHint(ctx context.Context, id string) (FunctionAttempts, error) {
	return t.update(ctx, id, FunctionAttempts.ResetSyntaxHint)
}

// Decide applies DetermineEscalation to the current history for id.
func (t *Tracker) Decide(ctx context.Context, id string, failure FailureType, tier ModelTier) (Action, error) {
	a, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return DetermineEscalation(failure, a, tier, t.cfg), nil
}
