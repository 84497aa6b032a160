package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/crosslogic/credits/internal/billing"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Inspect and repair credit accounts",
		Long:          "creditctl reads balances and ledger history, applies operator grants and runs reconciliation sweeps against the credit database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.setupLogger()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.databaseURL, "database-url", "", "Postgres URL (default: $DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(
		newMigrateCmd(a),
		newBalanceCmd(a),
		newLedgerCmd(a),
		newGrantCmd(a),
		newReconcileCmd(a),
	)

	return rootCmd
}

// withBackend connects, runs fn and closes the backend.
func (a *app) withBackend(ctx context.Context, fn func(b *backend) error) error {
	b, err := a.connect(ctx, a)
	if err != nil {
		return err
	}
	if b.close != nil {
		defer b.close()
	}
	return fn(b)
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the credit schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				if b.db == nil {
					return errNoDatabase
				}
				if err := b.db.Migrate(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newBalanceCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Show an account's pools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				acct, err := b.ledger.Account(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), acct)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "account\t%s\n", acct.AccountID)
				_, _ = fmt.Fprintf(w, "tier\t%s\n", acct.Tier)
				_, _ = fmt.Fprintf(w, "daily\t%s\n", acct.DailyPool.StringFixed(6))
				_, _ = fmt.Fprintf(w, "expiring\t%s\n", acct.ExpiringPool.StringFixed(6))
				_, _ = fmt.Fprintf(w, "non-expiring\t%s\n", acct.NonExpiringPool.StringFixed(6))
				_, _ = fmt.Fprintf(w, "total\t%s\n", acct.Balance.StringFixed(6))
				if !acct.Consistent() {
					_, _ = fmt.Fprintf(w, "drift\t%s\n", acct.Balance.Sub(acct.PoolSum()).StringFixed(6))
				}
				_, _ = fmt.Fprintf(w, "trial\t%s\n", acct.TrialStatus)
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newLedgerCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "ledger <account-id>",
		Short: "List an account's newest ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				entries, err := b.ledger.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "CREATED\tTYPE\tAMOUNT\tBALANCE AFTER\tDESCRIPTION")
				for _, e := range entries {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.Format("2006-01-02 15:04:05"),
						e.Type,
						e.Amount.StringFixed(6),
						e.BalanceAfter.StringFixed(6),
						e.Description,
					)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newGrantCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "grant <account-id> <amount>",
		Short: "Apply a signed operator adjustment",
		Long:  "grant credits the non-expiring pool for positive amounts and draws down the pools in priority order for negative ones.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			return a.withBackend(cmd.Context(), func(b *backend) error {
				total, err := b.ledger.Adjust(cmd.Context(), args[0], amount, reason, map[string]any{
					"source":   "creditctl",
					"operator": os.Getenv("USER"),
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s adjusted by %s, balance now %s\n",
					args[0], amount.StringFixed(2), total.StringFixed(6))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Ledger description")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	var (
		sweep  string
		repair bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run reconciliation sweeps once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				r := b.reconciler(billing.ReconcilerConfig{RepairDrift: repair}, a.logger)

				var report billing.Report
				switch sweep {
				case "", "all":
					var err error
					if report, err = r.Run(cmd.Context()); err != nil {
						return err
					}
				case billing.SweepFailedPayments:
					report.Sweeps = append(report.Sweeps, r.ReconcileFailedPayments(cmd.Context()))
				case billing.SweepBalances:
					report.Sweeps = append(report.Sweeps, r.VerifyBalanceConsistency(cmd.Context()))
				case billing.SweepDoubleCharges:
					report.Sweeps = append(report.Sweeps, r.DetectDoubleCharges(cmd.Context()))
				case billing.SweepExpiredCredits:
					report.Sweeps = append(report.Sweeps, r.CleanupExpiredCredits(cmd.Context()))
				default:
					return fmt.Errorf("unknown sweep %q (want one of %s)", sweep, strings.Join([]string{
						billing.SweepFailedPayments,
						billing.SweepBalances,
						billing.SweepDoubleCharges,
						billing.SweepExpiredCredits,
					}, ", "))
				}

				if asJSON {
					if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
				} else {
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					_, _ = fmt.Fprintln(w, "SWEEP\tEXAMINED\tREPAIRED\tFLAGGED\tERRORS")
					for _, s := range report.Sweeps {
						_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s.Sweep, s.Examined, s.Repaired, s.Flagged, len(s.Errors))
					}
					if err := w.Flush(); err != nil {
						return err
					}
				}

				if err := report.Err(); err != nil {
					return fmt.Errorf("reconciliation finished with errors: %w", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sweep, "sweep", "all", "Sweep to run")
	cmd.Flags().BoolVar(&repair, "repair", false, "Rewrite drifted balances instead of only reporting them")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
