package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/lifecycle"
)

func newDrainCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Apply queued broker events once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			applied, err := r.app.Pipeline.ProcessEvents(ctx)
			if errors.Is(err, errs.ErrLocked) {
				fmt.Fprintln(cmd.OutOrStdout(), "another worker is draining")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d events\n", applied)
			return nil
		},
	}
}

func newFlushCmd(r *runner) *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Flush due order states to their predictions",
		Long:  "Flushes every order whose delay has elapsed, or one order with --order regardless of its due time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			if orderID != "" {
				if err := r.app.Pipeline.Flush(ctx, orderID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "flushed %s\n", orderID)
				return nil
			}
			n, err := r.app.Pipeline.FlushDue(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flushed %d orders\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "flush a single order id")
	return cmd
}

func newEvaluateCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate [advisorID]",
		Short: "Run a lifecycle pass",
		Long:  "Evaluates one advisor, or every advisor with open or unsettled predictions.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			var (
				res lifecycle.Result
				err error
			)
			if len(args) == 1 {
				res, err = r.app.Evaluator.EvaluateAdvisor(ctx, args[0])
			} else {
				res, err = r.app.Evaluator.EvaluateAll(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newStatsCmd(r *runner) *cobra.Command {
	var from, to, asOf string
	cmd := &cobra.Command{
		Use:   "stats <advisorID>",
		Short: "Print PnL statistics for an advisor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			fromT, err := parseDay(from)
			if err != nil {
				return err
			}
			toT, err := parseDay(to)
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			if asOf != "" {
				if at, err = time.Parse(time.RFC3339, asOf); err != nil {
					return errs.NewValidationError("as-of", asOf, "expected RFC 3339")
				}
			}

			summary, err := r.app.Reporter.Stats(ctx, args[0], fromT, toT, at)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first filing date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last filing date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "valuation time (RFC 3339, default now)")
	return cmd
}

func newPortfolioCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio <advisorID>",
		Short: "Print an advisor's open positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			pf, err := r.app.Reporter.Portfolio(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, pf)
		},
	}
}

func newAccountCmd(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage advisor cash accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "open <advisorID> <cash>",
		Short: "Open an account with starting cash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			cash, err := decimal.NewFromString(args[1])
			if err != nil || cash.IsNegative() {
				return errs.NewValidationError("cash", args[1], "expected a non-negative amount")
			}
			acct, err := r.app.Ledger.OpenAccount(ctx, args[0], cash)
			if err != nil {
				return err
			}
			return printJSON(cmd, acct)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <advisorID>",
		Short: "Print an account and its ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			acct, err := r.app.Ledger.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			entries, err := r.app.Store.GetLedgerEntries(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"account": acct,
				"drift":   acct.Drift().String(),
				"entries": entries,
			})
		},
	})
	return cmd
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errs.NewValidationError("date", s, "expected YYYY-MM-DD")
	}
	return t, nil
}
