package chain

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

//go:embed statemanage.abi.json
var stateManageABI string

// DefaultStaleMarkers are revert-reason fragments that identify an
// expectedVersion rejection by the contract.
var DefaultStaleMarkers = []string{"version mismatch", "stale version", "invalid version"}

// EVMConfig describes how to reach the StateManage contract.
type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string // hex, with or without 0x

	// ChainID is read from the node when zero.
	ChainID int64

	// GasLimit is estimated by the node when zero.
	GasLimit uint64

	// ConfirmTimeout bounds the wait for a transaction receipt.
	ConfirmTimeout time.Duration

	// StaleMarkers override DefaultStaleMarkers.
	StaleMarkers []string

	Logger *slog.Logger
}

// EVM is a Gateway over an EVM JSON-RPC node.
type EVM struct {
	client         *ethclient.Client
	contract       *bind.BoundContract
	auth           *bind.TransactOpts
	from           common.Address
	gasLimit       uint64
	confirmTimeout time.Duration
	staleMarkers   []string
	logger         *slog.Logger
}

// DialEVM validates cfg, connects to the node and binds the contract.
// Configuration problems are reported as ErrMisconfigured before any
// network traffic.
func DialEVM(ctx context.Context, cfg EVMConfig) (*EVM, error) {
	key, addr, err := validateEVMConfig(cfg)
	if err != nil {
		return nil, err
	}

	parsed, err := abi.JSON(strings.NewReader(stateManageABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, &TransportError{Op: "dial", Retryable: true, Err: err}
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, &TransportError{Op: "chain id", Retryable: true, Err: err}
		}
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: build transactor: %v", ErrMisconfigured, err)
	}

	g := &EVM{
		client:         client,
		contract:       bind.NewBoundContract(addr, parsed, client, client, client),
		auth:           auth,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		gasLimit:       cfg.GasLimit,
		confirmTimeout: cfg.ConfirmTimeout,
		staleMarkers:   cfg.StaleMarkers,
		logger:         cfg.Logger,
	}
	if g.confirmTimeout <= 0 {
		g.confirmTimeout = 2 * time.Minute
	}
	if len(g.staleMarkers) == 0 {
		g.staleMarkers = DefaultStaleMarkers
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}

	g.logger.Info("chain gateway connected",
		"rpc", cfg.RPCURL,
		"contract", addr.Hex(),
		"chain_id", chainID.String(),
		"from", g.from.Hex(),
	)
	return g, nil
}

func validateEVMConfig(cfg EVMConfig) (*ecdsa.PrivateKey, common.Address, error) {
	if cfg.RPCURL == "" {
		return nil, common.Address{}, fmt.Errorf("%w: rpc url is required", ErrMisconfigured)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, common.Address{}, fmt.Errorf("%w: contract address %q is not a hex address", ErrMisconfigured, cfg.ContractAddress)
	}
	if cfg.PrivateKey == "" {
		return nil, common.Address{}, fmt.Errorf("%w: private key is required", ErrMisconfigured)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: private key: %v", ErrMisconfigured, err)
	}
	return key, common.HexToAddress(cfg.ContractAddress), nil
}

// Close releases the RPC connection.
func (g *EVM) Close() {
	g.client.Close()
}

// Read implements Gateway. A zero on-chain version means the key was never
// written.
func (g *EVM) Read(ctx context.Context, namespace, key string) (Record, error) {
	var out []interface{}
	err := g.contract.Call(&bind.CallOpts{Context: ctx, From: g.from}, &out, "read", namespace, key)
	if err != nil {
		return Record{}, classify("read", err, g.staleMarkers)
	}
	if len(out) != 2 {
		return Record{}, &TransportError{Op: "read", Err: fmt.Errorf("unexpected result length %d", len(out))}
	}

	value, ok := out[0].([]byte)
	if !ok {
		return Record{}, &TransportError{Op: "read", Err: fmt.Errorf("unexpected value type %T", out[0])}
	}
	version, ok := out[1].(*big.Int)
	if !ok {
		return Record{}, &TransportError{Op: "read", Err: fmt.Errorf("unexpected version type %T", out[1])}
	}
	if version.Sign() == 0 {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	if !version.IsInt64() {
		return Record{}, &TransportError{Op: "read", Err: fmt.Errorf("version %s overflows int64", version)}
	}

	return Record{Value: string(value), Version: version.Int64()}, nil
}

// Write implements Gateway. It sends the transaction, then blocks until the
// receipt is available or ConfirmTimeout elapses.
func (g *EVM) Write(ctx context.Context, namespace, key, value string, expectedVersion int64) (string, error) {
	tx, err := g.transact(ctx, "write", namespace, key, []byte(value), big.NewInt(expectedVersion))
	if err != nil {
		return "", err
	}

	g.logger.Debug("transaction sent",
		"namespace", namespace,
		"key", key,
		"version", expectedVersion,
		"tx", tx.Hash().Hex(),
	)

	if err := g.waitConfirmed(ctx, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// EnsureNamespace creates namespace on chain unless the signer already
// owns it.
func (g *EVM) EnsureNamespace(ctx context.Context, namespace string) error {
	var out []interface{}
	err := g.contract.Call(&bind.CallOpts{Context: ctx, From: g.from}, &out, "checkNamespaceOwner", namespace, g.from)
	if err != nil {
		return classify("check namespace owner", err, g.staleMarkers)
	}
	if len(out) == 1 {
		if owned, ok := out[0].(bool); ok && owned {
			return nil
		}
	}

	tx, err := g.transact(ctx, "createNameSpace", namespace)
	if err != nil {
		return err
	}
	if err := g.waitConfirmed(ctx, tx); err != nil {
		return err
	}
	g.logger.Info("namespace created", "namespace", namespace, "tx", tx.Hash().Hex())
	return nil
}

func (g *EVM) transact(ctx context.Context, method string, params ...interface{}) (*types.Transaction, error) {
	opts := *g.auth
	opts.Context = ctx
	if g.gasLimit > 0 {
		opts.GasLimit = g.gasLimit
	}

	tx, err := g.contract.Transact(&opts, method, params...)
	if err != nil {
		return nil, classify(method, err, g.staleMarkers)
	}
	return tx, nil
}

func (g *EVM) waitConfirmed(ctx context.Context, tx *types.Transaction) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, g.client, tx)
	if err != nil {
		// The transaction may still be mined; a resend is settled by the
		// version contract.
		return &TransportError{Op: "confirm", Retryable: true, Err: fmt.Errorf("transaction %s: %w", tx.Hash().Hex(), err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &TransportError{Op: "confirm", Err: fmt.Errorf("transaction %s reverted in block %s", tx.Hash().Hex(), receipt.BlockNumber)}
	}
	return nil
}

// classify maps a go-ethereum error onto the gateway error taxonomy.
func classify(op string, err error, staleMarkers []string) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range staleMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return fmt.Errorf("%w: %s: %v", ErrStaleVersion, op, err)
		}
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &TransportError{Op: op, Retryable: true, Err: err}
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "invalid sender"):
		return &TransportError{Op: op, Retryable: false, Err: err}
	default:
		return &TransportError{Op: op, Retryable: true, Err: err}
	}
}
