package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	spaceFlags
	Version int64
}

// PutResult is the put command's output.
type PutResult struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Version   int64  `json:"version"`
	Accepted  bool   `json:"accepted"`
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Record a value locally as pending",
		Long: `Record a value for a key in the local ledger as pending. The chain is not
contacted; the next drain writes it.

Without --version the next version of the key is used. A version older than
the stored one, or the stored version with a different value, is rejected
(exit code 1).

Example:
  chainsync put ns_user1_2024-01-01 42
  chainsync put --namespace scores --version 7 alice 1200`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(opts, args[0], args[1], cmd)
		},
	}

	opts.spaceFlags.register(cmd)
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "version to write (0 = next version)")

	return cmd
}

func runPut(opts *PutOptions, key, value string, cmd *cobra.Command) error {
	if opts.Version < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid version %d: must not be negative", opts.Version))
	}

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

	version, accepted, err := space.PutVersion(ctx, key, value, opts.Version)
	if err != nil {
		return WrapExitError(ExitFailure, "put failed", err)
	}

	out := newPrinter(cmd, opts.RootOptions)
	if !accepted {
		return out.Fail(ExitFailure, "E_STALE",
			fmt.Sprintf("put rejected: %s is stale for %s", describeVersion(opts.Version), key), nil)
	}

	result := PutResult{Namespace: space.Namespace(), Key: norm.NFC.String(key), Version: version, Accepted: true}
	return out.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s/%s v%d pending\n", result.Namespace, result.Key, result.Version)
	})
}

func describeVersion(v int64) string {
	if v == 0 {
		return "next version"
	}
	return fmt.Sprintf("version %d", v)
}
