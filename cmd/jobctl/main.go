// Command jobctl carries operator tooling: schema migrations, dev tokens,
// demo credits and manual queue triggers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparkle-hq/jobcore/cmd/jobctl/cli"
	"github.com/sparkle-hq/jobcore/internal/app"
	"github.com/sparkle-hq/jobcore/internal/auth"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/payment"
	"github.com/sparkle-hq/jobcore/internal/platform/cache"
	"github.com/sparkle-hq/jobcore/internal/platform/db"
	"github.com/sparkle-hq/jobcore/internal/shared"
	"github.com/sparkle-hq/jobcore/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "jobctl",
		Short:        "Operator tooling for the job core",
		SilenceUsage: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newTokenCmd(),
		newSeedCmd(),
		newTriggerCmd(),
		newQueuesCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to PG_DSN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			pool, err := db.New(cmd.Context(), cfg.PGDSN, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := migrations.Up(cmd.Context(), pool)
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			if err == nil && len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return err
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		role string
		id   string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed caller token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(shared.Caller{ID: id, Role: shared.Role(role)}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(shared.RoleClient), "client, cleaner or operator")
	cmd.Flags().StringVar(&id, "id", "", "caller id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// newSeedCmd credits demo accounts through the sandbox gateway, so the rows
// are ordinary gateway-confirmed deposits.
func newSeedCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "seed ACCOUNT...",
		Short: "Credit demo accounts through the sandbox gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.GatewayURL != "" || cfg.IsProduction() {
				return fmt.Errorf("seed only runs against the sandbox gateway")
			}
			services, err := app.BuildServices(cmd.Context(), cfg, nil, nil)
			if err != nil {
				return err
			}
			defer services.Close()
			sandbox, ok := services.Gateway.(*payment.Sandbox)
			if !ok {
				return fmt.Errorf("seed: gateway is not the sandbox")
			}
			for _, account := range args {
				ref := "seed:" + account + ":" + time.Now().UTC().Format("20060102")
				sandbox.Seed(payment.Confirmation{Reference: ref, AccountID: account, Amount: amount})
				entry, existing, err := services.Ledger.Deposit(cmd.Context(), ledger.DepositInput{
					AccountID:      account,
					PaymentRef:     ref,
					IdempotencyKey: ref,
				})
				if err != nil {
					return fmt.Errorf("seed %s: %w", account, err)
				}
				state := "credited"
				if existing {
					state = "already credited"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d (%s)\n", account, state, entry.Amount, entry.ID)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 50000, "credits per account, in minor units")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:       "trigger TASK",
		Short:     "Enqueue a maintenance task (" + strings.Join(cli.Triggerable, ", ") + ")",
		Args:      cobra.ExactArgs(1),
		ValidArgs: cli.Triggerable,
		RunE: func(cmd *cobra.Command, args []string) error {
			jc, err := jobsCLI()
			if err != nil {
				return err
			}
			defer jc.Close()
			info, err := jc.Trigger(cmd.Context(), args[0], staleAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "older-than", 72*time.Hour, "stale hold threshold")
	return cmd
}

func newQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jc, err := jobsCLI()
			if err != nil {
				return err
			}
			defer jc.Close()
			stats, err := jc.InspectQueues(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range stats {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
					s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			}
			return nil
		},
	}
}

func jobsCLI() (*cli.JobsCLI, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is not set")
	}
	opt, err := cache.AsynqOpt(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	return cli.NewJobsCLI(opt), nil
}
