package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	riveradapter "github.com/neomorfeo/subflow/internal/adapter/river"
	"github.com/neomorfeo/subflow/internal/adapter/sqlite"
	"github.com/neomorfeo/subflow/internal/config"
	"github.com/neomorfeo/subflow/internal/domain"
)

// cliPrincipal is recorded as the actor of admin commands.
var cliPrincipal = domain.Principal{ID: "cli", Role: domain.RoleAdmin}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database and job queue migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := sqlite.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := riveradapter.Migrate(cmd.Context(), store.DB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

// adminCommand runs fn against a freshly wired application and prints its
// result as JSON. Invoice jobs are enqueued for the serving process.
func adminCommand(cfg *config.Config, use, short string, args cobra.PositionalArgs,
	fn func(ctx context.Context, a *application, args []string) (any, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := config.NewLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
			ctx := domain.WithPrincipal(cmd.Context(), cliPrincipal)

			a, err := newApplication(ctx, *cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := fn(ctx, a, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newApproveCmd(cfg *config.Config) *cobra.Command {
	return adminCommand(cfg, "approve <subscription-id>", "Approve a pending subscription", cobra.ExactArgs(1),
		func(ctx context.Context, a *application, args []string) (any, error) {
			return a.svc.RequestApproval(ctx, args[0])
		})
}

func newRejectCmd(cfg *config.Config) *cobra.Command {
	return adminCommand(cfg, "reject <subscription-id>", "Reject a pending subscription", cobra.ExactArgs(1),
		func(ctx context.Context, a *application, args []string) (any, error) {
			return a.svc.Reject(ctx, args[0])
		})
}

func newCancelCmd(cfg *config.Config) *cobra.Command {
	return adminCommand(cfg, "cancel <subscription-id>", "Cancel an active subscription", cobra.ExactArgs(1),
		func(ctx context.Context, a *application, args []string) (any, error) {
			return a.svc.Cancel(ctx, args[0])
		})
}

func newExtendCmd(cfg *config.Config) *cobra.Command {
	return adminCommand(cfg, "extend <subscription-id> <months>", "Extend an active subscription", cobra.ExactArgs(2),
		func(ctx context.Context, a *application, args []string) (any, error) {
			months, err := strconv.Atoi(args[1])
			if err != nil {
				return nil, &domain.ValidationError{Field: "months", Message: "must be an integer"}
			}
			return a.svc.Extend(ctx, args[0], months)
		})
}

func newRetryInvoiceCmd(cfg *config.Config) *cobra.Command {
	return adminCommand(cfg, "retry-invoice <approval-attempt-id>", "Re-run invoice generation for a failed approval", cobra.ExactArgs(1),
		func(ctx context.Context, a *application, args []string) (any, error) {
			return a.svc.RetryInvoice(ctx, args[0])
		})
}

func newExpireDueCmd(cfg *config.Config) *cobra.Command {
	return adminCommand(cfg, "expire-due", "Expire active subscriptions past their end date", cobra.NoArgs,
		func(ctx context.Context, a *application, _ []string) (any, error) {
			return a.svc.ExpireDue(ctx, time.Now().UTC())
		})
}

func newAuditCmd(cfg *config.Config) *cobra.Command {
	var limit int
	cmd := adminCommand(cfg, "audit", "Show recent audit entries", cobra.NoArgs,
		func(ctx context.Context, a *application, _ []string) (any, error) {
			return a.svc.AuditLog(ctx, limit)
		})
	cmd.Flags().IntVar(&limit, "limit", 100, "Max entries")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
