package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dan-solli/thingdb/pkg/logger"
	"github.com/dan-solli/thingdb/pkg/metrics"
	"github.com/dan-solli/thingdb/pkg/thingdb"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose      bool
	DBPath       string
	AnalyticsDSN string

	config    thingdb.Config
	collector *metrics.MetricsCollector
}

// NewRootCommand creates the root command for the thingdb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "thingdb",
		Short: "thingdb - content graph storage and sync",
		Long: `Operate a thingdb deployment: run the background workers, force a sync
cycle, sweep expired artifacts, migrate schemas and purge soft-deleted rows.

Configuration comes from THINGDB_* environment variables (and .env in
development); flags override them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := thingdb.LoadConfig()
			if err != nil {
				return err
			}
			if opts.DBPath != "" {
				cfg.DBPath = opts.DBPath
			}
			if opts.AnalyticsDSN != "" {
				cfg.AnalyticsDSN = opts.AnalyticsDSN
			}
			if opts.Verbose {
				cfg.LogLevel = "debug"
			}
			cfg.Logger = logger.Setup(cfg.Env, cfg.LogLevel)
			opts.collector = metrics.NewCollector()
			cfg.Metrics = opts.collector
			opts.config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "durable SQLite database (overrides THINGDB_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.AnalyticsDSN, "analytics", "", "analytical store DSN (overrides THINGDB_ANALYTICS_DSN)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

// open opens the configured instance; callers close it.
func (o *RootOptions) open(ctx context.Context) (*thingdb.DB, error) {
	db, err := thingdb.Open(ctx, o.config)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func closeDB(db *thingdb.DB) {
	if err := db.Close(); err != nil {
		slog.Error("error closing thingdb", "error", err)
	}
}
