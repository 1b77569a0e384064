package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/chainsync/internal/chain"
	"github.com/roach88/chainsync/internal/config"
	"github.com/roach88/chainsync/internal/ledger"
	"github.com/roach88/chainsync/internal/reconcile"
	"github.com/roach88/chainsync/internal/state"
)

// app holds the components one command invocation works with.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	ledger  *ledger.Ledger
	gateway chain.Gateway
	closers []func()
}

// chainGateway is a Gateway that can also create namespaces at startup.
type chainGateway interface {
	chain.Gateway
	EnsureNamespace(ctx context.Context, namespace string) error
}

// errOffline is returned by the gateway of commands that never reach the
// chain.
var errOffline = errors.New("chain not opened by this command")

// offlineGateway stands in for the chain in local-only commands.
type offlineGateway struct{}

func (offlineGateway) Read(ctx context.Context, namespace, key string) (chain.Record, error) {
	return chain.Record{}, &chain.TransportError{Op: "read", Err: errOffline}
}

func (offlineGateway) Write(ctx context.Context, namespace, key, value string, expectedVersion int64) (string, error) {
	return "", &chain.TransportError{Op: "write", Err: errOffline}
}

// newPrinter builds the output printer for a command.
func newPrinter(cmd *cobra.Command, opts *RootOptions) *Printer {
	return &Printer{
		JSON:    opts.Format == "json",
		Out:     cmd.OutOrStdout(),
		Diag:    cmd.ErrOrStderr(),
		Verbose: opts.Verbose,
	}
}

// newLogger builds a text logger on w at the configured level, or debug
// with --verbose.
func newLogger(opts *RootOptions, cfg config.Config, w io.Writer) *slog.Logger {
	level := cfg.Log.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openApp loads configuration and opens the ledger. The chain is opened
// only when withChain is set; otherwise chain calls fail without network
// traffic.
func openApp(cmd *cobra.Command, opts *RootOptions, withChain bool) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  newLogger(opts, cfg, cmd.ErrOrStderr()),
		gateway: offlineGateway{},
	}

	a.logger.Debug("opening ledger", "path", cfg.Ledger.Path)
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	a.ledger = l
	a.closers = append(a.closers, func() {
		if err := l.Close(); err != nil {
			a.logger.Error("error closing ledger", "error", err)
		}
	})

	if withChain {
		if err := a.openChain(cmd.Context()); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openChain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	gw, closeFn, err := openGateway(ctx, a.cfg.Chain, a.logger)
	if errors.Is(err, chain.ErrMisconfigured) {
		return WrapExitError(ExitCommandError, "invalid chain configuration", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open chain", err)
	}
	a.closers = append(a.closers, closeFn)

	for _, ns := range a.cfg.Chain.Namespaces {
		if err := gw.EnsureNamespace(ctx, ns); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to create namespace %s", ns), err)
		}
	}

	a.gateway = chain.NewLimited(gw, a.cfg.Chain.RatePerSecond, a.cfg.Chain.Burst)
	return nil
}

// openGateway builds the configured chain gateway and its close function.
func openGateway(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (chainGateway, func(), error) {
	switch cfg.Type {
	case config.ChainMemory:
		m, err := chain.OpenMemory(cfg.Snapshot)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("memory chain opened", "snapshot", cfg.Snapshot)
		return m, func() {}, nil
	case config.ChainEVM:
		g, err := chain.DialEVM(ctx, chain.EVMConfig{
			RPCURL:          cfg.RPCURL,
			ContractAddress: cfg.Contract,
			PrivateKey:      cfg.PrivateKey,
			ChainID:         cfg.ChainID,
			GasLimit:        cfg.GasLimit,
			ConfirmTimeout:  cfg.ConfirmTimeout,
			StaleMarkers:    cfg.StaleMarkers,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown chain type %q", chain.ErrMisconfigured, cfg.Type)
	}
}

// space binds a state space, with flag overrides for namespace and owner.
func (a *app) space(sf *spaceFlags) (*state.Space, error) {
	ns, owner := sf.resolve(a.cfg)
	s, err := state.New(a.ledger, a.gateway, ns, owner,
		state.WithMissTTL(a.cfg.State.MissTTL),
		state.WithLogger(a.logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid state space", err)
	}
	return s, nil
}

// loop builds the reconciliation loop from configuration.
func (a *app) loop() *reconcile.Loop {
	return reconcile.New(a.ledger, a.gateway,
		reconcile.WithInterval(a.cfg.Loop.Interval),
		reconcile.WithBatchSize(a.cfg.Loop.BatchSize),
		reconcile.WithLease(a.cfg.Loop.Lease),
		reconcile.WithWriteTimeout(a.cfg.Loop.WriteTimeout),
		reconcile.WithLogger(a.logger),
	)
}

// Close releases everything openApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// spaceFlags select the state space a command works on.
type spaceFlags struct {
	Namespace string
	Owner     string
}

func (sf *spaceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&sf.Namespace, "namespace", "n", "", "namespace (default from config state.namespace)")
	cmd.Flags().StringVar(&sf.Owner, "owner", "", "owner identity (default from config state.owner)")
}

// resolve returns the namespace and owner after applying config defaults.
// A nil receiver uses the defaults.
func (sf *spaceFlags) resolve(cfg config.Config) (string, string) {
	ns, owner := cfg.State.Namespace, cfg.State.Owner
	if sf == nil {
		return ns, owner
	}
	if sf.Namespace != "" {
		ns = sf.Namespace
	}
	if sf.Owner != "" {
		owner = sf.Owner
	}
	return ns, owner
}
