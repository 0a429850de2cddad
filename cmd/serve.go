package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pcallen/catalogue-harvester/internal/api"
	"github.com/pcallen/catalogue-harvester/internal/config"
	"github.com/pcallen/catalogue-harvester/internal/dispatch"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates and configures the 'serve' subcommand, the
// long-running mode behind the HTTP API.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the job dispatcher",
		Long: `Starts the HTTP API for job submission and record queries together
with a single-flight dispatcher that executes queued jobs one at a
time. Shuts down gracefully on SIGINT or SIGTERM: intake closes first,
the queued backlog gets a bounded drain window, then in-flight work is
cancelled.`,

		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	apiCfg := config.API()
	d := dispatch.New(apiCfg.QueueDepth, a.Runner, a.Logger)
	server := api.NewServer(a.Store, d, a, apiCfg, config.Feed(), a.Logger)

	srv := &http.Server{
		Addr:              apiCfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The dispatcher outlives the signal context so queued jobs can
	// drain after Close; cancelRun is the hard stop.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(runDone)
		a.Logger.Info("Dispatcher started", zap.Int("queue_depth", apiCfg.QueueDepth))
		return d.Run(runCtx)
	})

	g.Go(func() error {
		a.Logger.Info("HTTP server started", zap.String("addr", apiCfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutdown initiated.")

		// New submissions now get a 503 while in-flight requests finish.
		d.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("Server shutdown error", zap.Error(err))
		}

		select {
		case <-runDone:
		case <-time.After(shutdownTimeout):
			a.Logger.Warn("Drain window elapsed; cancelling queued work.")
			cancelRun()
		}
		return nil
	})

	err = g.Wait()
	a.Logger.Info("Shutdown complete.")
	return err
}
