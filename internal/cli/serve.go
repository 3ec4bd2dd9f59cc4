package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogers-f/criticality/internal/ipc"
	"github.com/rogers-f/criticality/internal/orchestrator"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

func (a *app) serveCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Tick the protocol periodically and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = a.cfg.ListenAddr
			}
			rt, err := a.open()
			if err != nil {
				return err
			}
			defer rt.Close()
			return a.serve(cmd.Context(), cmd, rt, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, 127.0.0.1:9810)")
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command, rt *runtime, listen string) error {
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	handler := &ipc.Handler{
		Orchestrator: rt.orch,
		Ledger:       rt.ledger,
		Metrics:      rt.metrics.Handler(),
	}
	srv := ipc.NewServer(handler, listen)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	driver := orchestrator.NewDriver(rt.orch, orchestrator.DriverConfig{Interval: a.cfg.TickInterval})
	driver.Start(ctx)

	a.log.Info("serving", "addr", l.Addr().String(), "tick_interval", a.cfg.TickInterval.String())
	fmt.Fprintf(cmd.OutOrStdout(), "criticality listening on http://%s\n", l.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case serveErr = <-errCh:
	}

	driver.Stop()
	<-driver.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("server shutdown", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return nil
}
