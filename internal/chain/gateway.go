package chain

import (
	"context"
	"errors"
	"fmt"
)

// Record is the authoritative value of a key.
type Record struct {
	Value   string `json:"value" cbor:"value"`
	Version int64  `json:"version" cbor:"version"`
}

// Gateway reads and writes the authoritative store.
type Gateway interface {
	// Read returns the latest record of a key.
	Read(ctx context.Context, namespace, key string) (Record, error)

	// Write stores value as expectedVersion of key and returns the
	// transaction hash once the transaction is confirmed.
	Write(ctx context.Context, namespace, key, value string, expectedVersion int64) (string, error)
}

var (
	// ErrNotFound is returned by Read for keys that were never written.
	ErrNotFound = errors.New("chain: key not found")

	// ErrStaleVersion is returned by Write when expectedVersion is not newer
	// than the chain's current version. Terminal: resending cannot succeed.
	ErrStaleVersion = errors.New("chain: stale version")

	// ErrMisconfigured is returned when a gateway cannot be built from its
	// configuration.
	ErrMisconfigured = errors.New("chain: misconfigured")
)

// TransportError is any gateway failure other than a stale version:
// network, signing, gas, reverted or unconfirmed transactions.
type TransportError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed write may succeed if sent again.
// Stale versions and non-retryable transport errors return false.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrStaleVersion) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// Describe renders a write failure for the ledger's failure column,
// prefixed with its class so operators can tell retry candidates apart.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStaleVersion):
		return "stale version: " + err.Error()
	case IsRetryable(err):
		return "transport (retryable): " + err.Error()
	default:
		var te *TransportError
		if errors.As(err, &te) {
			return "transport: " + err.Error()
		}
		return "error: " + err.Error()
	}
}
