// Package cli provides predctl, the operator command line for running
// reconciliation and lifecycle passes and inspecting advisor results.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/prediction-engine/internal/app"
	"github.com/atmx/prediction-engine/internal/config"
	"github.com/atmx/prediction-engine/internal/logging"
)

// runner carries the wired application between PersistentPreRunE and the
// subcommands.
type runner struct {
	app    *app.App
	closer io.Closer
	quiet  bool
}

// NewRootCmd creates the predctl root command.
func NewRootCmd() *cobra.Command {
	r := &runner{}

	rootCmd := &cobra.Command{
		Use:   "predctl",
		Short: "Operate the prediction engine",
		Long: `predctl runs one-off reconciliation and lifecycle passes against the
configured store and Redis, and prints advisor statistics and portfolios.

Configuration comes from --config and PE_-prefixed environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			var logger *slog.Logger
			if r.quiet {
				logger = logging.Discard()
			} else {
				logger, r.closer = logging.New(cfg.Log)
			}
			r.app, err = app.Build(cmd.Context(), cfg, logger)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if r.app != nil {
				r.app.Close()
			}
			if r.closer != nil {
				return r.closer.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "path to a config file")
	rootCmd.PersistentFlags().BoolVarP(&r.quiet, "quiet", "q", false, "suppress logs")

	rootCmd.AddCommand(
		newDrainCmd(r),
		newFlushCmd(r),
		newEvaluateCmd(r),
		newStatsCmd(r),
		newPortfolioCmd(r),
		newAccountCmd(r),
	)
	return rootCmd
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 2*time.Minute)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
