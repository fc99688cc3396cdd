// Command batchlistener consumes a broker destination in batches and hands
// every batch to a configured sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baldanca/batch-listener/internal/app"
	"github.com/baldanca/batch-listener/internal/config"
	"github.com/baldanca/batch-listener/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "batchlistener",
		Short:         "Batching message listener",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the BATCHLISTENER_ prefix)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Consume the configured destination until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cfgFile)
				if err != nil {
					return err
				}
				return run(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration, then exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cfgFile)
				if err != nil {
					return err
				}
				for _, w := range cfg.Listener.Policy().Warnings() {
					fmt.Fprintln(cmd.OutOrStdout(), "warning:", w)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s via %s to %s\n",
					cfg.Listener.Destination, cfg.Transport.Kind, cfg.Sink.Kind)
				return nil
			},
		},
	)
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return a.Run(ctx)
}
