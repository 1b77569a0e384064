package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chainsync/internal/ledger"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Status    string
	Namespace string
	Owner     string
	Limit     int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger rows",
		Long: `List ledger rows in drain order (oldest first), optionally filtered by
status, namespace and owner. Unlike get and status, list spans every
namespace and owner unless filtered.

Example:
  chainsync list --status failed
  chainsync list --namespace scores --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|confirmed|failed)")
	cmd.Flags().StringVarP(&opts.Namespace, "namespace", "n", "", "filter by namespace")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "filter by owner")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows to list (0 = all)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	status := ledger.Status(opts.Status)
	if status != "" && !status.Valid() {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("invalid status %q: must be pending, confirmed or failed", opts.Status))
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

	entries, err := a.ledger.List(ctx, ledger.Filter{
		Status:    status,
		Namespace: opts.Namespace,
		Owner:     opts.Owner,
		Limit:     opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "list failed", err)
	}

	return newPrinter(cmd, opts.RootOptions).Render(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No rows found.")
			return
		}
		for _, e := range entries {
			detail := e.Hash
			if e.Failure != "" {
				detail = e.Failure
			}
			fmt.Fprintf(w, "%-9s %s/%s v%d [%s] %s\n", e.Status, e.Namespace, e.Key, e.Version, e.Owner, detail)
		}
		fmt.Fprintf(w, "\n%d row(s)\n", len(entries))
	})
}
