package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var logFormat string

// NewRootCmd builds the vaultctl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "TronVault administration",
		Long:          `vaultctl manages custody keys, the database schema and transfer reconciliation for TronVault.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text or json)")

	root.AddCommand(newKeygenCmd(), newMigrateCmd(), newReconcileCmd())
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
