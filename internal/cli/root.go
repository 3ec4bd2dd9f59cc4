// Package cli implements the criticality command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rogers-f/criticality/internal/config"
	"github.com/rogers-f/criticality/internal/logging"
)

// version is set at build time with -ldflags "-X ...cli.version=...".
var version = "dev"

// app carries the global flags and what PersistentPreRunE derives from them.
type app struct {
	configFile string
	statePath  string
	verbose    bool

	cfg *config.Config
	log *logging.Logger
}

// NewRootCommand builds the full command tree. Each call returns an
// independent tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "criticality",
		Short: "Drive a criticality protocol run",
		Long: `criticality advances a multi-phase synthesis protocol one tick at a time.
Every tick evaluates the current state, performs at most one state change
and persists the result before returning.`,
		Version:            version,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.load,
		PersistentPostRunE: a.close,
	}

	root.PersistentFlags().StringVarP(&a.statePath, "state-path", "s", "", "state file (default from config, .criticality/state.json)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at DEBUG level")
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file (default ./criticality.yaml)")

	root.AddCommand(
		a.statusCommand(),
		a.resumeCommand(),
		a.resolveCommand(),
		a.artifactCommand(),
		a.ledgerCommand(),
		a.restoreCommand(),
		a.serveCommand(),
		a.synthesizeCommand(),
	)
	return root
}

// Execute runs the command line with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return NewRootCommand().ExecuteContext(ctx)
}

// load reads the configuration and builds the logger before any command runs.
func (a *app) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(a.configFile)
	if err != nil {
		return err
	}
	if a.statePath != "" {
		cfg.StatePath = a.statePath
	}

	level := cfg.Logging.Level
	if a.verbose {
		level = logging.LevelDebug
	}
	if cfg.Logging.Dir == "" {
		a.log = logging.NewWriterLogger(cmd.ErrOrStderr(), level)
	} else {
		a.log, err = logging.NewLogger(cfg.Logging.Dir, level)
		if err != nil {
			return err
		}
	}
	a.cfg = cfg
	return nil
}

func (a *app) close(cmd *cobra.Command, args []string) error {
	if a.log == nil {
		return nil
	}
	return a.log.Close()
}
