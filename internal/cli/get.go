package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chainsync/internal/state"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	spaceFlags
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read the latest value of a key",
		Long: `Read the latest value of a key. The local ledger answers when it holds
any version of the key, pending or not; otherwise the chain is read and
the result is recorded locally as confirmed.

Exit code 1 when the key exists nowhere.

Example:
  chainsync get ns_user1_2024-01-01
  chainsync get --namespace scores alice --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], cmd)
		},
	}

	opts.spaceFlags.register(cmd)

	return cmd
}

func runGet(opts *GetOptions, key string, cmd *cobra.Command) error {
	a, err := openApp(cmd, opts.RootOptions, true)
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
	v, err := space.Get(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return out.Fail(ExitFailure, "E_NOT_FOUND", fmt.Sprintf("key not found: %s", key), nil)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "get failed", err)
	}

	return out.Render(v, func(w io.Writer) {
		fmt.Fprintf(w, "%s (v%d)\n", v.Value, v.Version)
	})
}
