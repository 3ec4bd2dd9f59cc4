package cli

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/criticality/internal/config"
	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/logging"
	"github.com/rogers-f/criticality/internal/notify"
	"github.com/rogers-f/criticality/internal/operations"
	"github.com/rogers-f/criticality/internal/orchestrator"
)

type countingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *countingNotifier) Notify(_ context.Context, event notify.Event, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// askingOps asks a question when Ignition is archived.
type askingOps struct {
	*operations.Local
}

func (askingOps) ArchivePhaseArtifacts(_ context.Context, phase domain.ProtocolPhase) orchestrator.ActionResult {
	return orchestrator.ActionResult{Blocking: &orchestrator.BlockingRequest{Query: "Approve spec?"}}
}

func TestLocalOperations_OneBlockEventPerEdge(t *testing.T) {
	cfg := config.Default()
	cfg.Operations.Workspace = t.TempDir()
	a := &app{cfg: cfg, log: logging.NopLogger()}

	n := &countingNotifier{}
	snap := domain.NewInitialSnapshot()
	snap.Artifacts = []domain.ArtifactType{domain.ArtifactSpec}
	orch, err := orchestrator.New(orchestrator.Options{
		StatePath:  filepath.Join(t.TempDir(), "state.json"),
		Operations: askingOps{a.localOperations(nil)},
		Notifier:   n,
		Snapshot:   &snap,
	})
	require.NoError(t, err)

	res := orch.Tick(context.Background())
	require.Equal(t, orchestrator.StopBlocked, res.StopReason)
	assert.Equal(t, []notify.Event{notify.EventBlock}, n.events)
}
