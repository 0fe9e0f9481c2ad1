package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate pending rows to the analytical store",
		Long: `Replicate pending rows to the analytical store.

With --once a single cycle runs and a per-table report is printed; without it
the engine keeps running until interrupted.

Example:
  thingdb sync --once
  thingdb sync --db ./thingdb.db --analytics postgres://localhost/thingdb`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !once {
				return serve(cmd.Context(), rootOpts)
			}
			db, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			report, err := db.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cycle %d (%s)\n", report.Cycle, report.Duration.Round(time.Millisecond))
			for _, s := range report.Streams {
				status := "ok"
				if s.Err != nil {
					status = s.Err.Error()
				}
				fmt.Fprintf(out, "  %-14s fetched=%d inserted=%d marked=%d %s\n",
					s.Stream, s.Fetched, s.Inserted, s.Marked, status)
			}
			return report.Err()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			n, err := db.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired artifacts\n", n)
			return nil
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade both schemas",
		Long: `Create or upgrade the durable and analytical schemas to the current
version. Migrations are additive and safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening migrates both stores.
			db, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			closeDB(db)
			fmt.Fprintln(cmd.OutOrStdout(), "schemas up to date")
			return nil
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Physically remove synced soft-deleted Things",
		Long: `Physically remove Things and relationships that were soft-deleted before
--older-than ago and whose deletion has already been synced.

Example:
  thingdb purge --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			db, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			n, err := db.Purge(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d things\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of the deletion")
	return cmd
}
