package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chainsync/internal/reconcile"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one drain and exit",
		Long: `Claim one batch of pending rows, write each to the chain and record the
outcome, then exit.

Failed rows are reported but do not change the exit code; use "list
--status failed" and "retry" to inspect and resubmit them.

Example:
  chainsync sync
  chainsync sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}

	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, _ := a.loop().Tick(ctx)
	return newPrinter(cmd, opts).Render(report, func(w io.Writer) {
		writeReport(w, report)
	})
}

func writeReport(w io.Writer, r reconcile.Report) {
	if len(r.Outcomes) == 0 {
		fmt.Fprintln(w, "Nothing to drain.")
		return
	}

	fmt.Fprintf(w, "Drain %s\n", r.ClaimID)
	for _, o := range r.Outcomes {
		switch {
		case o.Err != nil:
			fmt.Fprintf(w, "  ! %s/%s v%d: %s (not recorded: %v)\n", o.Namespace, o.Key, o.Version, o.Status, o.Err)
		case o.Hash != "":
			fmt.Fprintf(w, "  ✓ %s/%s v%d confirmed %s\n", o.Namespace, o.Key, o.Version, o.Hash)
		default:
			fmt.Fprintf(w, "  ✗ %s/%s v%d failed: %s\n", o.Namespace, o.Key, o.Version, o.Failure)
		}
	}
	fmt.Fprintf(w, "Summary: %d confirmed, %d failed\n", r.Confirmed(), r.Failed())
}
