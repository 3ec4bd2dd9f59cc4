package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogers-f/criticality/internal/persistence"
	"github.com/rogers-f/criticality/internal/store"
)

type decisionEntry struct {
	ID        string    `yaml:"id"`
	Kind      string    `yaml:"kind"`
	Phase     string    `yaml:"phase"`
	Subject   string    `yaml:"subject,omitempty"`
	Detail    string    `yaml:"detail,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// requireLedger opens the ledger or fails when none is configured.
func (a *app) requireLedger() (*store.Ledger, error) {
	l, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("no ledger configured (set ledger_path)")
	}
	return l, nil
}

func (a *app) ledgerCommand() *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List recorded protocol decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			l, err := a.requireLedger()
			if err != nil {
				return err
			}
			defer l.Close()

			decisions, err := l.RecentDecisions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			entries := make([]decisionEntry, 0, len(decisions))
			for _, d := range decisions {
				entries = append(entries, decisionEntry{
					ID:        d.ID,
					Kind:      string(d.Kind),
					Phase:     string(d.Phase),
					Subject:   d.Subject,
					Detail:    d.Detail,
					CreatedAt: d.CreatedAt,
				})
			}

			out := cmd.OutOrStdout()
			if output == outputYAML {
				return writeYAML(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No decisions recorded")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tPHASE\tSUBJECT\tDETAIL")
			fmt.Fprintln(w, "----\t----\t-----\t-------\t------")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Kind, e.Phase, e.Subject, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of decisions to show")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or yaml")
	return cmd
}

func (a *app) restoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Rewrite the state file from the latest archived snapshot",
		Long: `Rewrite the state file from the newest snapshot in the ledger. The
snapshot's checksum and schema are verified before anything is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := a.acquireLock()
			if err != nil {
				return err
			}
			defer lock.Unlock()

			l, err := a.requireLedger()
			if err != nil {
				return err
			}
			defer l.Close()

			rec, err := l.LatestSnapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			doc, err := persistence.DeserializeDocument([]byte(rec.DocumentJSON))
			if err != nil {
				return fmt.Errorf("restore: archived snapshot %d: %w", rec.TickSeq, err)
			}
			if err := persistence.WriteDocument(a.cfg.StatePath, []byte(rec.DocumentJSON)); err != nil {
				return fmt.Errorf("restore: %w", err)
			}

			a.log.Info("state restored", "tick_seq", rec.TickSeq, "path", a.cfg.StatePath)
			fmt.Fprintf(cmd.OutOrStdout(), "Restored tick %d (%s, %s) to %s\n",
				rec.TickSeq, rec.Kind, rec.Phase, a.cfg.StatePath)
			newStatusView(doc.Snapshot).writeText(cmd.OutOrStdout())
			return nil
		},
	}
}
