package state

import "errors"

var (
	// ErrNotFound is returned when a key exists neither in the ledger nor
	// on chain.
	ErrNotFound = errors.New("state: key not found")

	// ErrInvalidKey is returned for keys that are empty after normalization.
	ErrInvalidKey = errors.New("state: invalid key")

	// ErrInvalidVersion is returned for negative versions.
	ErrInvalidVersion = errors.New("state: invalid version")

	// ErrInvalidSpace is returned by New when namespace or owner is empty.
	ErrInvalidSpace = errors.New("state: namespace and owner are required")
)
