package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and cache sweeper, exposing /metrics",
		Long: `Run the background workers until interrupted.

The sync engine replicates pending rows every THINGDB_SYNC_INTERVAL, the
sweeper deletes expired artifacts every THINGDB_SWEEP_INTERVAL, and
Prometheus metrics are served on THINGDB_METRICS_ADDR.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), rootOpts)
		},
	}
}

// serve runs the workers until SIGINT, SIGTERM or ctx ends.
func serve(ctx context.Context, opts *RootOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB(db)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(opts.collector.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              opts.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	db.Start(ctx)
	slog.InfoContext(ctx, "thingdb serving", "env", opts.config.Env)

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
