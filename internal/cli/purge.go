package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Namespace string
	Yes       bool
}

// PurgeResult is the purge command's output.
type PurgeResult struct {
	Namespace string `json:"namespace,omitempty"`
	Deleted   int64  `json:"deleted"`
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete ledger rows",
		Long: `Delete every ledger row, or every row of one namespace. Pending rows
that were never written to the chain are lost. The chain is not touched.

Requires --yes.

Example:
  chainsync purge --namespace scores --yes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Namespace, "namespace", "n", "", "only purge this namespace")
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm deletion")

	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
	if !opts.Yes {
		return NewExitError(ExitCommandError, "refusing to purge without --yes")
	}

	a, err := openApp(cmd, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	n, err := a.ledger.Purge(ctx, opts.Namespace)
	if err != nil {
		return WrapExitError(ExitFailure, "purge failed", err)
	}
	a.logger.Info("ledger purged", "namespace", opts.Namespace, "deleted", n)

	result := PurgeResult{Namespace: opts.Namespace, Deleted: n}
	return newPrinter(cmd, opts.RootOptions).Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Deleted %d row(s).\n", n)
	})
}
