package operations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogers-f/criticality/internal/escalation"
	"github.com/rogers-f/criticality/internal/synthesis"
)

// CommandVerifier writes generated code into the workspace and checks it
// with the configured compile and test commands. A compile failure is
// reported as a type failure and a test failure as a test failure, each
// carrying the tail of the command output.
type CommandVerifier struct {
	Local *Local
	// Path is where generated code is written, relative to the workspace.
	Path string
}

var _ synthesis.Verifier = (*CommandVerifier)(nil)

// Verify implements synthesis.Verifier.
func (v *CommandVerifier) Verify(ctx context.Context, target synthesis.Target, code string) (escalation.FailureType, error) {
	if v.Path == "" {
		return nil, fmt.Errorf("verify %s: output path is required", target.FunctionID)
	}
	path := v.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(v.Local.cfg.Workspace, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write generated code: %w", err)
	}

	if res := v.Local.RunCompilation(ctx); !res.Success {
		return escalation.TypeFailure{Message: res.Error}, nil
	}
	if res := v.Local.RunTests(ctx); !res.Success {
		return escalation.TestFailure{FailingTests: []escalation.FailingTest{
			{Name: target.FunctionID, Message: res.Error},
		}}, nil
	}
	return nil, nil
}
