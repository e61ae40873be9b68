package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tronvault/tronvault/internal/infra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := os.Getenv("DATABASE_URL")
			if url == "" {
				return fmt.Errorf("DATABASE_URL must be set")
			}
			ctx := cmd.Context()
			db, err := infra.NewPostgresPool(ctx, url)
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := infra.Migrate(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}
