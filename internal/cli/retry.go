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

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	spaceFlags
	Version int64
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry <key>",
		Short: "Resubmit a failed write",
		Long: `Move the failed latest version of a key back to pending so the next
drain writes it again. Only the latest version can be retried, and only
when it failed.

Example:
  chainsync retry ns_user1_2024-01-01
  chainsync retry --version 3 counter`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(opts, args[0], cmd)
		},
	}

	opts.spaceFlags.register(cmd)
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "version to retry (0 = latest)")

	return cmd
}

func runRetry(opts *RetryOptions, key string, cmd *cobra.Command) error {
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
		return WrapExitError(ExitFailure, "retry failed", err)
	}

	version := opts.Version
	if version == 0 {
		version = e.Version
	}

	err = a.ledger.Resubmit(ctx, e.Namespace, e.Key, e.Owner, version)
	if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrNotFound) {
		return out.Fail(ExitFailure, "E_NOT_RETRYABLE", err.Error(), nil)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "retry failed", err)
	}

	e.Version, e.Status, e.Failure, e.Hash = version, ledger.StatusPending, "", ""
	return out.Render(e, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s/%s v%d pending\n", e.Namespace, e.Key, version)
	})
}
