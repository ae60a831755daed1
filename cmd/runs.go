// File: cmd/runs.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/observability"
	"github.com/xkilldash9x/cartography/internal/store"
)

func newRunsCmd() *cobra.Command {
	var limit int

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent syncs from the run ledger",
		Long:  `Reads the Postgres sync-run ledger configured with --postgres-url and prints the most recent runs, newest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Get the configuration initialized by the root command
			cfg := config.Get()
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("the run ledger is not configured (hint: set --postgres-url or CARTOGRAPHY_POSTGRES_URL)")
			}

			pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			ledger, err := store.New(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize sync ledger: %w", err)
			}

			runs, err := ledger.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), runs)
		},
	}

	runsCmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show.")

	return runsCmd
}

func writeRuns(out io.Writer, runs []store.Run) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATE TAG\tSTARTED\tDURATION\tSTATUS\tERROR")
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.UpdateTag, r.StartedAt.UTC().Format(time.RFC3339), duration, r.Status, r.Error)
	}
	return tw.Flush()
}
