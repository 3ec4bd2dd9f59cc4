package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
	"github.com/rogers-f/criticality/internal/router"
)

type scriptedRouter struct {
	requests []router.Request
	errs     map[int]error
}

func (s *scriptedRouter) Prompt(ctx context.Context, tier escalation.ModelTier, text string, timeout time.Duration) (router.Response, error) {
	return s.Complete(ctx, router.Request{Tier: tier, Prompt: text, Timeout: timeout})
}

func (s *scriptedRouter) Complete(_ context.Context, req router.Request) (router.Response, error) {
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if err, ok := s.errs[i]; ok {
		return router.Response{}, err
	}
	return router.Response{Tier: req.Tier, Text: fmt.Sprintf("code-%d", i)}, nil
}

func (s *scriptedRouter) tiers() []escalation.ModelTier {
	out := make([]escalation.ModelTier, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Tier
	}
	return out
}

// scriptedVerifier fails the n-th verification with failures[n] and accepts
// everything after the script runs out.
func scriptedVerifier(failures ...escalation.FailureType) Verifier {
	n := 0
	return VerifierFunc(func(context.Context, Target, string) (escalation.FailureType, error) {
		defer func() { n++ }()
		if n < len(failures) {
			return failures[n], nil
		}
		return nil, nil
	})
}

type memoryLedger struct {
	decisions []domain.Decision
}

func (m *memoryLedger) RecordDecision(_ context.Context, d domain.Decision) error {
	m.decisions = append(m.decisions, d)
	return nil
}

type countingMetrics struct {
	escalations map[string]int
}

func (c *countingMetrics) ObserveTick(string, time.Duration) {}
func (c *countingMetrics) IncTransition(string, string)      {}
func (c *countingMetrics) IncPersistenceError(string)        {}
func (c *countingMetrics) IncEscalation(action, failure string) {
	if c.escalations == nil {
		c.escalations = map[string]int{}
	}
	c.escalations[action+"/"+failure]++
}

func newRunner(rt router.ModelRouter, v Verifier) *Runner {
	return &Runner{
		Router:   rt,
		Verifier: v,
		Tracker:  escalation.NewTracker(escalation.DefaultConfig(), nil),
		Timeout:  time.Minute,
	}
}

func testFailure(name string) escalation.TestFailure {
	return escalation.TestFailure{FailingTests: []escalation.FailingTest{{Name: name, Message: "assertion failed"}}}
}

func TestSynthesize_FirstTry(t *testing.T) {
	rt := &scriptedRouter{}
	out, err := newRunner(rt, scriptedVerifier()).Synthesize(context.Background(), Target{FunctionID: "fold", Prompt: "implement fold"})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, "code-0", out.Code)
	assert.Equal(t, escalation.TierWorker, out.Tier)
	assert.Zero(t, out.Attempts.Total)
	assert.Equal(t, "implement fold", rt.requests[0].Prompt)
	assert.Equal(t, "fold", rt.requests[0].FunctionID)
}

func TestSynthesize_TestFailuresEscalateAfterLimit(t *testing.T) {
	rt := &scriptedRouter{}
	v := scriptedVerifier(testFailure("TestOne"), testFailure("TestTwo"), testFailure("TestThree"))
	ledger := &memoryLedger{}
	rec := &countingMetrics{}
	r := newRunner(rt, v)
	r.Ledger = ledger
	r.Metrics = rec

	out, err := r.Synthesize(context.Background(), Target{FunctionID: "fold", Prompt: "implement fold"})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, escalation.TierFallback, out.Tier)
	assert.Equal(t, []escalation.ModelTier{
		escalation.TierWorker, escalation.TierWorker, escalation.TierWorker, escalation.TierFallback,
	}, rt.tiers())
	assert.Equal(t, 3, out.Attempts.On(escalation.TierWorker))

	third := rt.requests[2].Prompt
	assert.Contains(t, third, "TestTwo")
	assert.NotContains(t, third, "TestOne", "retry prompts carry only the current failure")

	assert.Len(t, ledger.decisions, 3)
	assert.Equal(t, domain.DecisionEscalation, ledger.decisions[2].Kind)
	assert.Equal(t, domain.PhaseInjection, ledger.decisions[2].Phase)
	assert.Contains(t, ledger.decisions[2].Detail, "to fallback")
	assert.Equal(t, 2, rec.escalations["retry_same/test"])
	assert.Equal(t, 1, rec.escalations["escalate/test"])
}

func TestSynthesize_CoherenceBreaksImmediately(t *testing.T) {
	rt := &scriptedRouter{}
	v := scriptedVerifier(escalation.CoherenceFailure{ConflictingFunctions: []string{"fold", "unfold"}})

	out, err := newRunner(rt, v).Synthesize(context.Background(), Target{FunctionID: "fold"})
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitBroken, out.Status)
	assert.False(t, out.RequiresHumanReview)
	assert.Contains(t, out.Reason, "unfold")
	assert.Len(t, rt.requests, 1)
	assert.IsType(t, escalation.CoherenceFailure{}, out.LastFailure)
}

func TestSynthesize_SecurityAtArchitectNeedsReview(t *testing.T) {
	rt := &scriptedRouter{}
	v := scriptedVerifier(escalation.SecurityFailure{Vulnerability: "CWE-89"}, escalation.SecurityFailure{Vulnerability: "CWE-89"})

	out, err := newRunner(rt, v).Synthesize(context.Background(), Target{FunctionID: "query"})
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitBroken, out.Status)
	assert.True(t, out.RequiresHumanReview)
	assert.Equal(t, escalation.TierArchitect, out.Tier)
	assert.Equal(t, []escalation.ModelTier{escalation.TierWorker, escalation.TierArchitect}, rt.tiers())
}

func TestSynthesize_RouterDeadlineIsTimeoutFailure(t *testing.T) {
	rt := &scriptedRouter{errs: map[int]error{
		0: fmt.Errorf("%w: %w", domain.ErrModelTimeout, context.DeadlineExceeded),
	}}
	out, err := newRunner(rt, scriptedVerifier()).Synthesize(context.Background(), Target{FunctionID: "fold"})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, escalation.TierFallback, out.Tier, "timeouts escalate without a same-tier retry")
	assert.IsType(t, escalation.TimeoutFailure{}, out.Attempts.LastFailure)
}

func TestSynthesize_RouterErrorPropagates(t *testing.T) {
	rt := &scriptedRouter{errs: map[int]error{0: domain.ErrTierUnavailable}}
	_, err := newRunner(rt, scriptedVerifier()).Synthesize(context.Background(), Target{FunctionID: "fold"})
	assert.ErrorIs(t, err, domain.ErrTierUnavailable)
}

func TestSynthesize_VerifierErrorPropagates(t *testing.T) {
	boom := errors.New("compiler missing")
	v := VerifierFunc(func(context.Context, Target, string) (escalation.FailureType, error) { return nil, boom })
	_, err := newRunner(&scriptedRouter{}, v).Synthesize(context.Background(), Target{FunctionID: "fold"})
	assert.ErrorIs(t, err, boom)
}

func TestSynthesize_SyntaxHintThenEscalate(t *testing.T) {
	rt := &scriptedRouter{}
	syntax := escalation.SyntaxFailure{Recoverable: true, Message: "unexpected EOF"}
	r := newRunner(rt, scriptedVerifier(syntax, syntax))

	out, err := r.Synthesize(context.Background(), Target{FunctionID: "parse"})
	require.NoError(t, err)

	assert.Equal(t, escalation.TierFallback, out.Tier)
	require.Len(t, rt.requests, 3)
	assert.Contains(t, rt.requests[1].Prompt, "Hint: ")
	assert.NotContains(t, rt.requests[2].Prompt, "Hint: ", "hint is not carried across an escalation")
	assert.False(t, out.Attempts.SyntaxHintProvided, "hint flag resets on escalation")
}

func TestSynthesize_MaxAttemptsBreaks(t *testing.T) {
	failures := make([]escalation.FailureType, 20)
	for i := range failures {
		failures[i] = escalation.TypeFailure{Message: "mismatch"}
	}
	r := newRunner(&scriptedRouter{}, scriptedVerifier(failures...))
	r.Tracker = escalation.NewTracker(escalation.Config{MaxAttemptsPerFunction: 4, SyntaxRetryLimit: 2, TypeRetryLimit: 10, TestRetryLimit: 3}, nil)

	out, err := r.Synthesize(context.Background(), Target{FunctionID: "fold"})
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitBroken, out.Status)
	assert.Equal(t, 4, out.Attempts.Total)
}

func TestSynthesize_RequiresFunctionID(t *testing.T) {
	_, err := newRunner(&scriptedRouter{}, scriptedVerifier()).Synthesize(context.Background(), Target{})
	assert.Error(t, err)
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "base", buildPrompt("base", "", ""))
	p := buildPrompt("base", "Type error: x", "check types")
	assert.True(t, strings.HasPrefix(p, "base\n\n"))
	assert.Contains(t, p, "Type error: x")
	assert.Contains(t, p, "Hint: check types")
}
