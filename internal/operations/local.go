// Package operations provides the default external operations: shell
// commands for compilation and tests, phase archive manifests and
// router-backed model calls.
package operations

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
	"github.com/rogers-f/criticality/internal/logging"
	"github.com/rogers-f/criticality/internal/notify"
	"github.com/rogers-f/criticality/internal/orchestrator"
	"github.com/rogers-f/criticality/internal/router"
)

// outputTail bounds how much command output is kept in a failure message.
const outputTail = 2048

// Config configures Local.
type Config struct {
	Workspace      string
	CompileCommand string
	TestCommand    string
	ArchiveDir     string
	ModelTimeout   time.Duration
}

// Local runs operations on the local machine.
type Local struct {
	cfg      Config
	Router   router.ModelRouter
	Notifier notify.Notifier
	log      *logging.Logger
	now      func() time.Time
}

var _ orchestrator.ExternalOperations = (*Local)(nil)

// NewLocal creates Local. Router and Notifier may be nil; model calls are
// then skipped and blocking notifications dropped.
func NewLocal(cfg Config, rt router.ModelRouter, n notify.Notifier, log *logging.Logger) *Local {
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Local{
		cfg:      cfg,
		Router:   rt,
		Notifier: n,
		log:      log.WithComponent("operations"),
		now:      time.Now,
	}
}

// RunCompilation runs the configured compile command.
func (l *Local) RunCompilation(ctx context.Context) orchestrator.ActionResult {
	return l.runCommand(ctx, "compile", l.cfg.CompileCommand)
}

// RunTests runs the configured test command.
func (l *Local) RunTests(ctx context.Context) orchestrator.ActionResult {
	return l.runCommand(ctx, "test", l.cfg.TestCommand)
}

// runCommand executes command through sh in the workspace. An empty command
// succeeds without running anything. A failing command is recoverable: the
// operator can fix the workspace and resume.
func (l *Local) runCommand(ctx context.Context, name, command string) orchestrator.ActionResult {
	if strings.TrimSpace(command) == "" {
		l.log.Debug("no command configured, skipping", "step", name)
		return orchestrator.Succeeded()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = l.cfg.Workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	log := l.log.With("step", name, "duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		log.Warn("command failed", "command", command, "error", err)
		msg := fmt.Sprintf("%s command failed: %v", name, err)
		if tail := lastBytes(out.String(), outputTail); tail != "" {
			msg += "\n" + tail
		}
		return orchestrator.FailedResult(msg, true)
	}
	log.Info("command succeeded")
	return orchestrator.Succeeded()
}

// ExecuteModelCall asks the worker tier to review phase and stores the reply
// under the archive directory.
func (l *Local) ExecuteModelCall(ctx context.Context, phase domain.ProtocolPhase) orchestrator.ActionResult {
	log := l.log.WithPhase(string(phase))
	if l.Router == nil {
		log.Debug("no model router configured, skipping model call")
		return orchestrator.Succeeded()
	}

	resp, err := l.Router.Prompt(ctx, escalation.TierWorker, phasePrompt(phase), l.cfg.ModelTimeout)
	if err != nil {
		log.Warn("model call failed", "error", err)
		recoverable := errors.Is(err, domain.ErrModelTimeout) || errors.Is(err, domain.ErrProviderUnavailable)
		return orchestrator.FailedResult(fmt.Sprintf("model call for %s: %v", phase, err), recoverable)
	}

	if l.cfg.ArchiveDir != "" {
		dir := filepath.Join(l.cfg.ArchiveDir, string(phase))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return orchestrator.FailedResult(fmt.Sprintf("create archive directory: %v", err), false)
		}
		if err := os.WriteFile(filepath.Join(dir, "model-response.txt"), []byte(resp.Text), 0o644); err != nil {
			return orchestrator.FailedResult(fmt.Sprintf("write model response: %v", err), false)
		}
	}
	log.Info("model call completed", "tier", string(resp.Tier), "duration_ms", resp.Duration.Milliseconds())
	return orchestrator.Succeeded()
}

func phasePrompt(phase domain.ProtocolPhase) string {
	return fmt.Sprintf("Review the %s phase output in the workspace and report any structural conflicts.", phase)
}

// Manifest records the workspace contents at the end of a phase.
type Manifest struct {
	Phase      domain.ProtocolPhase `yaml:"phase"`
	ArchivedAt time.Time            `yaml:"archived_at"`
	Workspace  string               `yaml:"workspace"`
	Files      []ManifestFile       `yaml:"files"`
}

// ManifestFile is one archived workspace file.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// ArchivePhaseArtifacts writes a manifest of the workspace for phase to
// <archive_dir>/<phase>/manifest.yaml. Without an archive directory it is a
// no-op.
func (l *Local) ArchivePhaseArtifacts(ctx context.Context, phase domain.ProtocolPhase) orchestrator.ActionResult {
	if l.cfg.ArchiveDir == "" {
		return orchestrator.Succeeded()
	}
	log := l.log.WithPhase(string(phase))

	files, err := l.inventory(ctx)
	if err != nil {
		log.Warn("workspace inventory failed", "error", err)
		return orchestrator.FailedResult(fmt.Sprintf("archive %s: %v", phase, err), true)
	}
	m := Manifest{
		Phase:      phase,
		ArchivedAt: l.now().UTC(),
		Workspace:  l.cfg.Workspace,
		Files:      files,
	}
	path, err := l.writeManifest(m)
	if err != nil {
		return orchestrator.FailedResult(fmt.Sprintf("archive %s: %v", phase, err), false)
	}
	log.Info("phase archived", "manifest", path, "files", len(files))
	return orchestrator.Succeeded()
}

func (l *Local) writeManifest(m Manifest) (string, error) {
	dir := filepath.Join(l.cfg.ArchiveDir, string(m.Phase))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// inventory lists the workspace's regular files, skipping hidden entries and
// the archive directory itself.
func (l *Local) inventory(ctx context.Context) ([]ManifestFile, error) {
	root := l.cfg.Workspace
	archive, _ := filepath.Abs(l.cfg.ArchiveDir)

	var files []ManifestFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if abs, _ := filepath.Abs(path); abs == archive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sum, size, err := hashFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, ManifestFile{Path: filepath.ToSlash(rel), Size: size, SHA256: sum})
		return nil
	})
	return files, err
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SendBlockingNotification forwards query to the notifier.
func (l *Local) SendBlockingNotification(ctx context.Context, query string) error {
	if l.Notifier == nil {
		return nil
	}
	return l.Notifier.Notify(ctx, notify.EventBlock, map[string]any{"query": query})
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
