package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chainsync/internal/ledger"
	"github.com/roach88/chainsync/internal/state"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	spaceFlags
}

// StatusSummary is the status command's output without a key.
type StatusSummary struct {
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [key]",
		Short: "Show reconciliation status",
		Long: `With a key, show the ledger row behind its latest version: status,
settlement hash or failure reason, and submission attempts. The chain is
never contacted.

Without a key, show how many ledger rows are pending, confirmed and failed.

Example:
  chainsync status
  chainsync status ns_user1_2024-01-01 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runStatusSummary(opts, cmd)
			}
			return runStatus(opts, args[0], cmd)
		},
	}

	opts.spaceFlags.register(cmd)

	return cmd
}

func runStatus(opts *StatusOptions, key string, cmd *cobra.Command) error {
	a, err := openApp(cmd, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer a.Close()

	space, err := a.space(&opts.spaceFlags)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := newPrinter(cmd, opts.RootOptions)
	e, err := space.Status(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return out.Fail(ExitFailure, "E_NOT_FOUND", fmt.Sprintf("key not found: %s", key), nil)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "status failed", err)
	}

	return out.Render(e, func(w io.Writer) {
		writeEntry(w, e)
	})
}

func runStatusSummary(opts *StatusOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	counts, err := a.ledger.Counts(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "status failed", err)
	}

	summary := StatusSummary{
		Pending:   counts[ledger.StatusPending],
		Confirmed: counts[ledger.StatusConfirmed],
		Failed:    counts[ledger.StatusFailed],
	}
	return newPrinter(cmd, opts.RootOptions).Render(summary, func(w io.Writer) {
		fmt.Fprintf(w, "Ledger: %s\n", a.cfg.Ledger.Path)
		fmt.Fprintf(w, "  Pending:   %d\n", summary.Pending)
		fmt.Fprintf(w, "  Confirmed: %d\n", summary.Confirmed)
		fmt.Fprintf(w, "  Failed:    %d\n", summary.Failed)
	})
}

// writeEntry renders one ledger row.
func writeEntry(w io.Writer, e ledger.Entry) {
	fmt.Fprintf(w, "%s/%s v%d\n", e.Namespace, e.Key, e.Version)
	fmt.Fprintf(w, "  Owner:    %s\n", e.Owner)
	fmt.Fprintf(w, "  Value:    %s\n", e.Value)
	fmt.Fprintf(w, "  Status:   %s\n", e.Status)
	if e.Hash != "" {
		fmt.Fprintf(w, "  Tx:       %s\n", e.Hash)
	}
	if e.Failure != "" {
		fmt.Fprintf(w, "  Failure:  %s\n", e.Failure)
	}
	fmt.Fprintf(w, "  Attempts: %d\n", e.Attempts)
	if e.ClaimID != "" {
		fmt.Fprintf(w, "  Claimed:  %s until %s\n", e.ClaimID, e.LeaseExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}
}
