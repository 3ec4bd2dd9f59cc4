package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
	"github.com/rogers-f/criticality/internal/metrics"
	"github.com/rogers-f/criticality/internal/operations"
	"github.com/rogers-f/criticality/internal/synthesis"
)

func (a *app) synthesizeCommand() *cobra.Command {
	var (
		prompt     string
		promptFile string
		outPath    string
		startTier  string
	)
	cmd := &cobra.Command{
		Use:   "synthesize <function-id>",
		Short: "Generate one function, escalating across model tiers until it verifies",
		Long: `Generate one function with the configured model providers. Each reply is
written to --out and checked with operations.compile_command and
operations.test_command; failures are retried or escalated per the
escalation policy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if promptFile != "" {
				data, err := os.ReadFile(promptFile)
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = string(data)
			}
			if prompt == "" {
				return errors.New("synthesize: --prompt or --prompt-file is required")
			}
			tier, err := escalation.ParseTier(startTier)
			if err != nil {
				return err
			}

			models, err := a.modelRouter()
			if err != nil {
				return err
			}
			if models == nil {
				return fmt.Errorf("synthesize: %w", domain.ErrTierUnavailable)
			}
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}

			var (
				store    escalation.AttemptStore
				recorder synthesis.DecisionRecorder
			)
			if ledger != nil {
				defer ledger.Close()
				store, recorder = ledger, ledger
			}
			runner := &synthesis.Runner{
				Router:   models,
				Verifier: &operations.CommandVerifier{Local: a.localOperations(models), Path: outPath},
				Tracker:  escalation.NewTracker(a.cfg.Escalation.Policy(), store),
				Ledger:   recorder,
				Metrics:  metrics.Nop{},
				Logger:   a.log,
				Timeout:  a.cfg.Operations.ModelTimeout,
			}
			out, err := runner.Synthesize(cmd.Context(), synthesis.Target{
				FunctionID: args[0],
				Prompt:     prompt,
				StartTier:  tier,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Function:  %s\n", out.FunctionID)
			fmt.Fprintf(w, "Status:    %s\n", out.Status)
			fmt.Fprintf(w, "Tier:      %s\n", out.Tier)
			fmt.Fprintf(w, "Attempts:  %d\n", out.Attempts.Total)
			if out.Status == synthesis.StatusCircuitBroken {
				fmt.Fprintf(w, "Reason:    %s\n", out.Reason)
				if out.RequiresHumanReview {
					fmt.Fprintln(w, "Human review required")
				}
				return fmt.Errorf("synthesis of %s stopped: %s", out.FunctionID, out.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "synthesis prompt")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "read the prompt from a file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "where to write generated code, relative to the workspace")
	cmd.Flags().StringVar(&startTier, "tier", string(escalation.TierWorker), "starting model tier")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
