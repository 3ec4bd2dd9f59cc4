package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
	"github.com/rogers-f/criticality/internal/notify"
	"github.com/rogers-f/criticality/internal/router"
	"github.com/rogers-f/criticality/internal/synthesis"
)

type stubRouter struct {
	tier   escalation.ModelTier
	prompt string
	text   string
	err    error
}

func (s *stubRouter) Prompt(ctx context.Context, tier escalation.ModelTier, text string, timeout time.Duration) (router.Response, error) {
	return s.Complete(ctx, router.Request{Tier: tier, Prompt: text, Timeout: timeout})
}

func (s *stubRouter) Complete(_ context.Context, req router.Request) (router.Response, error) {
	s.tier, s.prompt = req.Tier, req.Prompt
	if s.err != nil {
		return router.Response{}, s.err
	}
	return router.Response{Tier: req.Tier, Text: s.text}, nil
}

type recordingNotifier struct {
	events   []notify.Event
	payloads []map[string]any
}

func (r *recordingNotifier) Notify(_ context.Context, event notify.Event, payload map[string]any) error {
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
	return nil
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
}

func TestRunCommand_EmptySucceeds(t *testing.T) {
	l := NewLocal(Config{Workspace: t.TempDir()}, nil, nil, nil)
	assert.True(t, l.RunCompilation(context.Background()).Success)
	assert.True(t, l.RunTests(context.Background()).Success)
}

func TestRunCommand_RunsInWorkspace(t *testing.T) {
	skipWithoutShell(t)
	ws := t.TempDir()
	l := NewLocal(Config{Workspace: ws, CompileCommand: "touch built"}, nil, nil, nil)

	res := l.RunCompilation(context.Background())
	require.True(t, res.Success, res.Error)
	assert.FileExists(t, filepath.Join(ws, "built"))
}

func TestRunCommand_FailureIsRecoverable(t *testing.T) {
	skipWithoutShell(t)
	l := NewLocal(Config{Workspace: t.TempDir(), TestCommand: "echo 'FAIL: TestFold'; exit 3"}, nil, nil, nil)

	res := l.RunTests(context.Background())
	assert.False(t, res.Success)
	assert.True(t, res.Recoverable)
	assert.Contains(t, res.Error, "test command failed")
	assert.Contains(t, res.Error, "FAIL: TestFold")
}

func TestLastBytes(t *testing.T) {
	assert.Equal(t, "short", lastBytes("  short\n", 10))
	assert.Equal(t, "...6789", lastBytes("0123456789", 4))

	// "é" is two bytes; a cut inside it moves to the next character.
	got := lastBytes("xxé!", 2)
	assert.Equal(t, "...!", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "...é!", lastBytes("xxé!", 3))
}

func TestArchivePhaseArtifacts_WritesManifest(t *testing.T) {
	ws := t.TempDir()
	archive := filepath.Join(ws, "archive")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "spec.toml"), []byte("name = \"x\"\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "src", "lib.go"), []byte("package lib\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".git", "HEAD"), []byte("ref"), 0o644))

	l := NewLocal(Config{Workspace: ws, ArchiveDir: archive}, nil, nil, nil)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	res := l.ArchivePhaseArtifacts(context.Background(), domain.PhaseLattice)
	require.True(t, res.Success, res.Error)

	data, err := os.ReadFile(filepath.Join(archive, "Lattice", "manifest.yaml"))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, yaml.Unmarshal(data, &m))

	assert.Equal(t, domain.PhaseLattice, m.Phase)
	assert.True(t, m.ArchivedAt.Equal(fixed))
	paths := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		paths = append(paths, f.Path)
		assert.Len(t, f.SHA256, 64)
	}
	assert.ElementsMatch(t, []string{"spec.toml", "src/lib.go"}, paths, "hidden entries and the archive dir are skipped")

	// The first manifest lives under the archive dir and stays out of the next one.
	res = l.ArchivePhaseArtifacts(context.Background(), domain.PhaseLattice)
	require.True(t, res.Success, res.Error)
	data, err = os.ReadFile(filepath.Join(archive, "Lattice", "manifest.yaml"))
	require.NoError(t, err)
	var again Manifest
	require.NoError(t, yaml.Unmarshal(data, &again))
	assert.Len(t, again.Files, 2)
}

func TestArchivePhaseArtifacts_NoArchiveDir(t *testing.T) {
	l := NewLocal(Config{Workspace: t.TempDir()}, nil, nil, nil)
	assert.True(t, l.ArchivePhaseArtifacts(context.Background(), domain.PhaseIgnition).Success)
}

func TestExecuteModelCall_StoresResponse(t *testing.T) {
	archive := t.TempDir()
	rt := &stubRouter{text: "no conflicts"}
	l := NewLocal(Config{Workspace: t.TempDir(), ArchiveDir: archive, ModelTimeout: time.Second}, rt, nil, nil)

	res := l.ExecuteModelCall(context.Background(), domain.PhaseCompositionAudit)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, escalation.TierWorker, rt.tier)
	assert.Contains(t, rt.prompt, "CompositionAudit")

	data, err := os.ReadFile(filepath.Join(archive, "CompositionAudit", "model-response.txt"))
	require.NoError(t, err)
	assert.Equal(t, "no conflicts", string(data))
}

func TestExecuteModelCall_Failures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		recoverable bool
	}{
		{"timeout", fmt.Errorf("%w: %w", domain.ErrModelTimeout, context.DeadlineExceeded), true},
		{"provider down", domain.ErrProviderUnavailable, true},
		{"bad output", domain.ErrModelInvalidOutput, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLocal(Config{}, &stubRouter{err: tt.err}, nil, nil)
			res := l.ExecuteModelCall(context.Background(), domain.PhaseCompositionAudit)
			assert.False(t, res.Success)
			assert.Equal(t, tt.recoverable, res.Recoverable)
		})
	}
}

func TestExecuteModelCall_NoRouter(t *testing.T) {
	l := NewLocal(Config{}, nil, nil, nil)
	assert.True(t, l.ExecuteModelCall(context.Background(), domain.PhaseCompositionAudit).Success)
}

func TestSendBlockingNotification(t *testing.T) {
	n := &recordingNotifier{}
	l := NewLocal(Config{}, nil, n, nil)

	require.NoError(t, l.SendBlockingNotification(context.Background(), "Approve the lattice?"))
	require.Len(t, n.events, 1)
	assert.Equal(t, notify.EventBlock, n.events[0])
	assert.Equal(t, "Approve the lattice?", n.payloads[0]["query"])

	assert.NoError(t, NewLocal(Config{}, nil, nil, nil).SendBlockingNotification(context.Background(), "q"))
}

func TestCommandVerifier(t *testing.T) {
	skipWithoutShell(t)
	ws := t.TempDir()
	target := synthesis.Target{FunctionID: "fold"}

	t.Run("accepts", func(t *testing.T) {
		l := NewLocal(Config{Workspace: ws, CompileCommand: "test -s gen/fold.txt", TestCommand: "grep -q ok gen/fold.txt"}, nil, nil, nil)
		v := &CommandVerifier{Local: l, Path: "gen/fold.txt"}
		failure, err := v.Verify(context.Background(), target, "ok\n")
		require.NoError(t, err)
		assert.Nil(t, failure)
		data, err := os.ReadFile(filepath.Join(ws, "gen", "fold.txt"))
		require.NoError(t, err)
		assert.Equal(t, "ok\n", string(data))
	})

	t.Run("compile failure", func(t *testing.T) {
		l := NewLocal(Config{Workspace: ws, CompileCommand: "echo 'undefined: foldl' >&2; exit 1"}, nil, nil, nil)
		failure, err := (&CommandVerifier{Local: l, Path: "gen/fold.txt"}).Verify(context.Background(), target, "x")
		require.NoError(t, err)
		tf, ok := failure.(escalation.TypeFailure)
		require.True(t, ok, "got %T", failure)
		assert.Contains(t, tf.Message, "undefined: foldl")
	})

	t.Run("test failure", func(t *testing.T) {
		l := NewLocal(Config{Workspace: ws, TestCommand: "exit 1"}, nil, nil, nil)
		failure, err := (&CommandVerifier{Local: l, Path: "gen/fold.txt"}).Verify(context.Background(), target, "x")
		require.NoError(t, err)
		tf, ok := failure.(escalation.TestFailure)
		require.True(t, ok, "got %T", failure)
		require.Len(t, tf.FailingTests, 1)
		assert.Equal(t, "fold", tf.FailingTests[0].Name)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := (&CommandVerifier{Local: NewLocal(Config{}, nil, nil, nil)}).Verify(context.Background(), target, "x")
		assert.Error(t, err)
	})
}
