package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/orchestrator"
)

func (a *app) resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Tick the protocol until it blocks, fails or completes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.orch.Run(cmd.Context())
			return report(cmd.OutOrStdout(), res)
		},
	}
}

func (a *app) resolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <text...>",
		Short: "Answer the open blocking query and tick once",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("resolve: response text is required")
			}

			rt, err := a.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			st, ok := rt.orch.State().State.(domain.BlockedState)
			if !ok {
				return fmt.Errorf("resolve: %w", domain.ErrNotBlocked)
			}
			res, err := rt.orch.ResolveBlocking("", text)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %q in %s\n", st.Query, st.Phase)
			a.log.Debug("resolution queued", "query_id", res.QueryID)

			return report(cmd.OutOrStdout(), rt.orch.Tick(cmd.Context()))
		},
	}
}

func (a *app) artifactCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Manage protocol artifacts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <type...>",
		Short: "Record produced artifacts and tick once",
		Long: fmt.Sprintf("Record produced artifacts and tick once.\n\nKnown types: %s",
			strings.Join(artifactNames(domain.AllArtifactTypes()), ", ")),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types := make([]domain.ArtifactType, 0, len(args))
			for _, s := range args {
				t, err := domain.ParseArtifactType(s)
				if err != nil {
					return err
				}
				types = append(types, t)
			}

			rt, err := a.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			for _, t := range types {
				if err := rt.orch.AddArtifact(t); err != nil {
					return err
				}
			}
			return report(cmd.OutOrStdout(), rt.orch.Tick(cmd.Context()))
		},
	})
	return cmd
}

// report prints a tick result and converts terminal failures into errors so
// the process exits non-zero.
func report(w io.Writer, res orchestrator.TickResult) error {
	fmt.Fprintf(w, "Stop reason: %s\n", stopLabel(res.StopReason))
	newStatusView(res.Snapshot).writeText(w)

	switch res.StopReason {
	case orchestrator.StopFailed:
		if st, ok := res.Snapshot.State.(domain.FailedState); ok {
			return fmt.Errorf("protocol failed in %s: %s", st.Phase, st.Error)
		}
		return errors.New("protocol failed")
	case orchestrator.StopExternalError:
		if res.Err != nil {
			return res.Err
		}
		return errors.New("external error")
	}
	if res.Err != nil {
		fmt.Fprintf(w, "Note: %v\n", res.Err)
	}
	return nil
}

func stopLabel(r orchestrator.StopReason) string {
	if r == "" {
		return "none"
	}
	return string(r)
}

func artifactNames(types []domain.ArtifactType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
