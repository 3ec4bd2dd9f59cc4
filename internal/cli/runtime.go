package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogers-f/criticality/internal/escalation"
	"github.com/rogers-f/criticality/internal/metrics"
	"github.com/rogers-f/criticality/internal/notify"
	"github.com/rogers-f/criticality/internal/operations"
	"github.com/rogers-f/criticality/internal/orchestrator"
	"github.com/rogers-f/criticality/internal/persistence"
	"github.com/rogers-f/criticality/internal/router"
	"github.com/rogers-f/criticality/internal/store"
	"github.com/rogers-f/criticality/internal/workflow"
)

// runtime is a fully wired orchestrator plus the resources it holds.
type runtime struct {
	orch    *orchestrator.Orchestrator
	ledger  *store.Ledger
	metrics *metrics.PrometheusRecorder
	lock    *persistence.StateLock
}

// acquireLock takes the state file's writer lock or fails when another
// process holds it.
func (a *app) acquireLock() (*persistence.StateLock, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	lock := persistence.NewStateLock(a.cfg.StatePath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("state file %s is in use by another criticality process", a.cfg.StatePath)
	}
	return lock, nil
}

// openLedger opens the configured ledger, or returns nil when none is set.
func (a *app) openLedger() (*store.Ledger, error) {
	if a.cfg.LedgerPath == "" {
		return nil, nil
	}
	return store.OpenLedger(a.cfg.LedgerPath)
}

// open wires an orchestrator for a mutating command. The caller must Close it.
func (a *app) open() (*runtime, error) {
	lock, err := a.acquireLock()
	if err != nil {
		return nil, err
	}
	rt := &runtime{lock: lock, metrics: metrics.NewPrometheusRecorder()}

	rt.ledger, err = a.openLedger()
	if err != nil {
		rt.Close()
		return nil, err
	}

	notifier := a.notifier()
	models, err := a.modelRouter()
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts := orchestrator.Options{
		StatePath:  a.cfg.StatePath,
		Operations: a.localOperations(models),
		Notifier:   notifier,
		Metrics:    rt.metrics,
		Logger:     a.log,
		Gate:       workflow.ArtifactGate{},
		MaxTicks:   a.cfg.MaxTicks,
	}
	if rt.ledger != nil {
		opts.Ledger = rt.ledger
	}
	rt.orch, err = orchestrator.New(opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases the ledger and the state lock.
func (rt *runtime) Close() error {
	var errs []error
	if rt.ledger != nil {
		errs = append(errs, rt.ledger.Close())
	}
	if rt.lock != nil {
		errs = append(errs, rt.lock.Unlock())
	}
	return errors.Join(errs...)
}

// localOperations builds the shell and router backed operations. The
// orchestrator announces each edge into Blocked on its own notifier, so the
// operations' blocking channel only logs.
func (a *app) localOperations(models router.ModelRouter) *operations.Local {
	return operations.NewLocal(operations.Config{
		Workspace:      a.cfg.Operations.Workspace,
		CompileCommand: a.cfg.Operations.CompileCommand,
		TestCommand:    a.cfg.Operations.TestCommand,
		ArchiveDir:     a.cfg.Operations.ArchiveDir,
		ModelTimeout:   a.cfg.Operations.ModelTimeout,
	}, models, notify.Log{Logger: a.log.WithComponent("operations")}, a.log)
}

// notifier logs every event and posts it to the webhook when one is set.
func (a *app) notifier() notify.Notifier {
	out := notify.Multi{notify.Log{Logger: a.log.WithComponent("notify")}}
	if a.cfg.Notify.WebhookURL != "" {
		out = append(out, notify.NewWebhook(a.cfg.Notify.WebhookURL, a.cfg.Notify.Timeout))
	}
	return out
}

// modelRouter registers the configured providers. It returns a nil router
// when no provider is configured.
func (a *app) modelRouter() (router.ModelRouter, error) {
	if len(a.cfg.Router.Providers) == 0 {
		return nil, nil
	}
	registry := router.NewProviderRegistry()
	for name, pc := range a.cfg.Router.Providers {
		tier, err := escalation.ParseTier(name)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(router.ProviderSpec{
			Tier:    tier,
			Command: pc.Command,
			Args:    pc.Args,
			Env:     pc.Env,
		}); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", name, err)
		}
	}
	a.log.Debug("model providers registered", "tiers", registry.Tiers())
	return router.NewProcessRouter(registry, a.log), nil
}
