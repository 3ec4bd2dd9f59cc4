package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/persistence"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputYAML = "yaml"
)

// statusView is the rendered form of a snapshot.
type statusView struct {
	Kind        string            `yaml:"kind"`
	Phase       string            `yaml:"phase"`
	Substate    string            `yaml:"substate,omitempty"`
	Artifacts   []string          `yaml:"artifacts"`
	Query       string            `yaml:"query,omitempty"`
	Options     []string          `yaml:"options,omitempty"`
	Error       string            `yaml:"error,omitempty"`
	Code        string            `yaml:"code,omitempty"`
	Recoverable *bool             `yaml:"recoverable,omitempty"`
	Context     map[string]string `yaml:"context,omitempty"`
	OpenQueries []queryView       `yaml:"open_queries,omitempty"`
	PersistedAt *time.Time        `yaml:"persisted_at,omitempty"`
}

type queryView struct {
	ID        string    `yaml:"id"`
	Phase     string    `yaml:"phase"`
	Query     string    `yaml:"query"`
	Options   []string  `yaml:"options,omitempty"`
	BlockedAt time.Time `yaml:"blocked_at"`
	TimeoutMs *int64    `yaml:"timeout_ms,omitempty"`
}

func newStatusView(snap domain.ProtocolStateSnapshot) statusView {
	v := statusView{
		Kind:      string(snap.State.Kind()),
		Phase:     string(domain.PhaseOf(snap.State)),
		Artifacts: make([]string, 0, len(snap.Artifacts)),
	}
	for _, a := range snap.Artifacts {
		v.Artifacts = append(v.Artifacts, string(a))
	}

	switch st := snap.State.(type) {
	case domain.ActiveState:
		if st.Phase.Substate != nil {
			v.Substate = st.Phase.Substate.Step()
		}
	case domain.BlockedState:
		v.Query = st.Query
		v.Options = st.Options
	case domain.FailedState:
		recoverable := st.Recoverable
		v.Error = st.Error
		v.Code = st.Code
		v.Recoverable = &recoverable
		v.Context = st.Context
	}

	for _, q := range snap.BlockingQueries {
		if q.Resolved {
			continue
		}
		v.OpenQueries = append(v.OpenQueries, queryView{
			ID:        q.ID,
			Phase:     string(q.Phase),
			Query:     q.Query,
			Options:   q.Options,
			BlockedAt: q.BlockedAt,
			TimeoutMs: q.TimeoutMs,
		})
	}
	return v
}

func (v statusView) writeText(w io.Writer) {
	fmt.Fprintf(w, "State:     %s\n", v.Kind)
	fmt.Fprintf(w, "Phase:     %s\n", v.Phase)
	if v.Substate != "" {
		fmt.Fprintf(w, "Substate:  %s\n", v.Substate)
	}
	if len(v.Artifacts) == 0 {
		fmt.Fprintln(w, "Artifacts: (none)")
	} else {
		fmt.Fprintf(w, "Artifacts: %s\n", strings.Join(v.Artifacts, ", "))
	}
	if v.Query != "" {
		fmt.Fprintf(w, "Query:     %s\n", v.Query)
		if len(v.Options) > 0 {
			fmt.Fprintf(w, "Options:   %s\n", strings.Join(v.Options, " | "))
		}
	}
	if v.Error != "" {
		fmt.Fprintf(w, "Error:     %s (%s)\n", v.Error, v.Code)
		if v.Recoverable != nil {
			fmt.Fprintf(w, "Recoverable: %t\n", *v.Recoverable)
		}
	}
	if len(v.OpenQueries) > 0 {
		fmt.Fprintln(w, "Open queries:")
		for _, q := range v.OpenQueries {
			fmt.Fprintf(w, "  %s [%s] %s\n", q.ID, q.Phase, q.Query)
		}
	}
	if v.PersistedAt != nil {
		fmt.Fprintf(w, "Saved:     %s\n", v.PersistedAt.Format(time.RFC3339))
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func checkOutput(format string) error {
	switch format {
	case outputText, outputYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text or yaml)", format)
	}
}

func (a *app) statusCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted protocol state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			doc, found, err := persistence.LoadDocument(a.cfg.StatePath)
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}
			out := cmd.OutOrStdout()
			if !found {
				fmt.Fprintln(out, "No protocol state")
				return nil
			}

			v := newStatusView(doc.Snapshot)
			at := doc.PersistedAt
			v.PersistedAt = &at
			if output == outputYAML {
				return writeYAML(out, v)
			}
			v.writeText(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or yaml")
	return cmd
}
