package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/chainsync/internal/reconcile"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation loop",
		Long: `Run the reconciliation loop until interrupted.

The loop drains pending ledger rows to the chain immediately and then once
per loop.interval. On SIGINT or SIGTERM it stops claiming new work, finishes
the write in flight, hands unreached rows of the batch back and exits.

Example:
  chainsync run --config ./chainsync.yaml
  CHAINSYNC_LOOP_INTERVAL=30s chainsync run --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(rootOpts, cmd)
		},
	}

	return cmd
}

func runLoop(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()
	slog.SetDefault(a.logger)

	loop := a.loop()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a.logger.Info("reconciliation loop starting",
		"ledger", a.cfg.Ledger.Path,
		"chain", a.cfg.Chain.Type,
		"interval", a.cfg.Loop.Interval,
		"batch_size", a.cfg.Loop.BatchSize,
	)
	if opts.Format != "json" {
		fmt.Fprintf(cmd.OutOrStdout(), "Reconciliation loop started. Draining every %s.\n", a.cfg.Loop.Interval)
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	}

	err = loop.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "reconciliation loop error", err)
	}

	stats := loop.Stats()
	a.logger.Info("reconciliation loop stopped",
		"ticks", stats.Ticks,
		"confirmed", stats.Confirmed,
		"failed", stats.Failed,
	)
	return newPrinter(cmd, opts).Render(stats, func(w io.Writer) {
		writeStats(w, stats)
	})
}

func writeStats(w io.Writer, s reconcile.Stats) {
	fmt.Fprintln(w, "Loop stopped.")
	fmt.Fprintf(w, "  Drains:    %d\n", s.Ticks)
	fmt.Fprintf(w, "  Skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  Confirmed: %d\n", s.Confirmed)
	fmt.Fprintf(w, "  Failed:    %d\n", s.Failed)
}
