package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neomorfeo/subflow/internal/config"
)

var version = "0.1.0"

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "subflow",
		Short:        "Subscription lifecycle and invoice generation service",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfg.DatabasePath, "database", cfg.DatabasePath, "SQLite database path (DATABASE_PATH)")

	root.AddCommand(
		newServeCmd(&cfg),
		newMigrateCmd(&cfg),
		newApproveCmd(&cfg),
		newRejectCmd(&cfg),
		newCancelCmd(&cfg),
		newExtendCmd(&cfg),
		newRetryInvoiceCmd(&cfg),
		newExpireDueCmd(&cfg),
		newAuditCmd(&cfg),
	)
	return root
}
