package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tronvault/tronvault/internal/app"
	"github.com/tronvault/tronvault/internal/config"
	"github.com/tronvault/tronvault/internal/infra"
	"github.com/tronvault/tronvault/internal/logging"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long:  `Resolve stale PENDING transfers and record the on-chain outcome of transfers that failed after broadcast.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL must be set")
			}
			logger := logging.New(cfg.LogLevel, logFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			var cache *redis.Client
			if cfg.RedisURL != "" {
				if cache, err = infra.NewRedisClient(ctx, cfg.RedisURL); err != nil {
					return err
				}
				defer cache.Close()
			}

			services, err := app.Build(cfg, db, cache, logger)
			if err != nil {
				return err
			}
			report, err := services.Reconciler.RunOnce(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RESULT\tCOUNT")
			fmt.Fprintf(w, "completed\t%d\n", report.Completed)
			fmt.Fprintf(w, "abandoned\t%d\n", report.Abandoned)
			fmt.Fprintf(w, "confirmed\t%d\n", report.Confirmed)
			fmt.Fprintf(w, "reverted\t%d\n", report.Reverted)
			fmt.Fprintf(w, "not_found\t%d\n", report.NotFound)
			fmt.Fprintf(w, "skipped\t%d\n", report.Skipped)
			return w.Flush()
		},
	}
}
