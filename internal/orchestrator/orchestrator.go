package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/logging"
	"github.com/rogers-f/criticality/internal/metrics"
	"github.com/rogers-f/criticality/internal/notify"
	"github.com/rogers-f/criticality/internal/persistence"
	"github.com/rogers-f/criticality/internal/workflow"
)

// DefaultMaxTicks bounds Run when Options.MaxTicks is zero.
const DefaultMaxTicks = 1000

// Options configures an Orchestrator. Only StatePath is required.
type Options struct {
	StatePath  string
	Operations ExternalOperations
	Notifier   notify.Notifier
	Ledger     Ledger
	Metrics    metrics.Recorder
	Logger     *logging.Logger
	Gate       workflow.Gate
	MaxTicks   int
	Now        func() time.Time

	// Snapshot, when set, replaces whatever is stored at StatePath.
	Snapshot *domain.ProtocolStateSnapshot
}

// Status is a point-in-time view of a running orchestrator.
type Status struct {
	Snapshot           domain.ProtocolStateSnapshot
	TickCount          int
	LastResult         *TickResult
	PendingArtifacts   []domain.ArtifactType
	PendingResolutions int
}

// Orchestrator owns one protocol run: its snapshot, its pending queues and
// its tick bookkeeping. All methods are safe for concurrent use; ticks are
// serialized.
type Orchestrator struct {
	mu   sync.Mutex
	opts Options
	log  *logging.Logger

	snapshot           domain.ProtocolStateSnapshot
	previous           *domain.ProtocolStateSnapshot
	pendingArtifacts   []domain.ArtifactType
	pendingResolutions []domain.BlockingResolution
	tickCount          int
	lastResult         *TickResult
}

// New creates an Orchestrator, loading the snapshot at opts.StatePath. A
// missing file starts a fresh protocol; a corrupt or schema-invalid file is
// returned as an error.
func New(opts Options) (*Orchestrator, error) {
	if opts.StatePath == "" {
		return nil, domain.NewEngineError(domain.ErrConfigInvalid.Code, "orchestrator: state path is required")
	}
	if opts.MaxTicks <= 0 {
		opts.MaxTicks = DefaultMaxTicks
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if err := os.MkdirAll(filepath.Dir(opts.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	o := &Orchestrator{opts: opts, log: opts.Logger.WithComponent("orchestrator")}
	if opts.Snapshot != nil {
		o.snapshot = opts.Snapshot.Clone()
		return o, nil
	}

	snap, found, err := persistence.LoadState(opts.StatePath)
	if err != nil {
		opts.Metrics.IncPersistenceError(string(persistence.KindOf(err)))
		return nil, fmt.Errorf("load state: %w", err)
	}
	if !found {
		snap = domain.NewInitialSnapshot()
		o.log.Info("no saved state, starting a new protocol", "path", opts.StatePath)
	}
	o.snapshot = snap
	return o, nil
}

// Tick executes one step and updates the orchestrator's bookkeeping.
func (o *Orchestrator) Tick(ctx context.Context) TickResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tickLocked(ctx)
}

func (o *Orchestrator) tickLocked(ctx context.Context) TickResult {
	tc := &TickContext{
		Snapshot:           o.snapshot,
		PendingArtifacts:   slices.Clone(o.pendingArtifacts),
		PendingResolutions: slices.Clone(o.pendingResolutions),
		Operations:         o.opts.Operations,
		Notifier:           o.opts.Notifier,
		Ledger:             o.opts.Ledger,
		Metrics:            o.opts.Metrics,
		Logger:             o.opts.Logger,
		Gate:               o.opts.Gate,
		Now:                o.opts.Now,
	}
	res := ExecuteTick(ctx, tc, o.opts.StatePath)

	o.tickCount++
	if res.ConsumedArtifacts {
		o.pendingArtifacts = nil
	}
	o.pendingResolutions = o.pendingResolutions[res.ConsumedResolutions:]
	if len(o.pendingResolutions) == 0 {
		o.pendingResolutions = nil
	}

	prev := o.snapshot
	o.previous = &prev
	o.snapshot = res.Snapshot
	o.lastResult = &res

	o.announceEdges(ctx, prev, res)
	return res
}

// announceEdges notifies on the tick that entered Blocked, Failed or Complete.
func (o *Orchestrator) announceEdges(ctx context.Context, prev domain.ProtocolStateSnapshot, res TickResult) {
	if !res.Transitioned {
		return
	}
	before, after := prev.State.Kind(), res.Snapshot.State.Kind()
	if before == after {
		return
	}
	log := o.log.WithPhase(string(domain.PhaseOf(res.Snapshot.State)))
	switch st := res.Snapshot.State.(type) {
	case domain.BlockedState:
		deliver(ctx, o.opts.Notifier, log, notify.EventBlock, map[string]any{
			"phase":   string(st.Phase),
			"query":   st.Query,
			"options": st.Options,
		})
	case domain.FailedState:
		deliver(ctx, o.opts.Notifier, log, notify.EventError, map[string]any{
			"phase":       string(st.Phase),
			"error":       st.Error,
			"code":        st.Code,
			"recoverable": st.Recoverable,
		})
	case domain.CompleteState:
		deliver(ctx, o.opts.Notifier, log, notify.EventComplete, map[string]any{
			"artifacts": artifactNames(st.Artifacts),
		})
	}
}

// Run ticks until a tick asks to stop, ctx is cancelled, or MaxTicks ticks
// have run. Hitting the bound stops with EXTERNAL_ERROR.
func (o *Orchestrator) Run(ctx context.Context) TickResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	var last TickResult
	for i := 0; i < o.opts.MaxTicks; i++ {
		if err := ctx.Err(); err != nil {
			return TickResult{
				Snapshot:   o.snapshot,
				StopReason: StopExternalError,
				Err:        domain.WrapEngineError(domain.ErrTickInterrupted.Code, domain.ErrTickInterrupted.Message, err),
			}
		}
		last = o.tickLocked(ctx)
		if !last.ShouldContinue {
			return last
		}
	}

	o.log.Error("tick bound reached", "max_ticks", o.opts.MaxTicks)
	return TickResult{
		Transitioned: last.Transitioned,
		Snapshot:     o.snapshot,
		StopReason:   StopExternalError,
		Err: domain.NewEngineError(domain.ErrMaxTicksExceeded.Code,
			fmt.Sprintf("%s: %d", domain.ErrMaxTicksExceeded.Message, o.opts.MaxTicks)),
	}
}

// AddArtifact queues an artifact for the next tick.
func (o *Orchestrator) AddArtifact(a domain.ArtifactType) error {
	if !a.IsValid() {
		return domain.NewEngineError(domain.ErrInvalidArtifact.Code, fmt.Sprintf("%s: %q", domain.ErrInvalidArtifact.Message, a))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !slices.Contains(o.pendingArtifacts, a) {
		o.pendingArtifacts = append(o.pendingArtifacts, a)
	}
	return nil
}

// ResolveBlocking queues an answer to the open query. An empty queryID
// answers whichever query the protocol is blocked on. The returned
// resolution is what the next tick will try to consume.
func (o *Orchestrator) ResolveBlocking(queryID, response string) (domain.BlockingResolution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.snapshot.State.(domain.BlockedState)
	if !ok {
		return domain.BlockingResolution{}, domain.ErrNotBlocked
	}
	if queryID == "" {
		if rec, open := o.snapshot.OpenQuery(st.Phase); open {
			queryID = rec.ID
		}
	}
	res := domain.BlockingResolution{QueryID: queryID, Response: response, ResolvedAt: o.now().UTC()}
	o.pendingResolutions = append(o.pendingResolutions, res)
	return res, nil
}

// State returns the current snapshot.
func (o *Orchestrator) State() domain.ProtocolStateSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot.Clone()
}

// Previous returns the snapshot held before the last tick, if any.
func (o *Orchestrator) Previous() (domain.ProtocolStateSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.previous == nil {
		return domain.ProtocolStateSnapshot{}, false
	}
	return o.previous.Clone(), true
}

// Status returns the orchestrator's bookkeeping.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{
		Snapshot:           o.snapshot.Clone(),
		TickCount:          o.tickCount,
		PendingArtifacts:   slices.Clone(o.pendingArtifacts),
		PendingResolutions: len(o.pendingResolutions),
	}
	if o.lastResult != nil {
		last := *o.lastResult
		s.LastResult = &last
	}
	return s
}

func (o *Orchestrator) now() time.Time {
	if o.opts.Now != nil {
		return o.opts.Now()
	}
	return time.Now()
}
