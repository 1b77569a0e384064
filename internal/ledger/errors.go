package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no row matches a lookup.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrStaleVersion is returned when a put would regress a key's version
	// or change the value of an existing version.
	ErrStaleVersion = errors.New("ledger: stale version")

	// ErrInvalidTransition is returned when a status change does not start
	// from the status it requires.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")

	// ErrLeaseLost is returned when a drain settles a row whose lease has
	// passed to another claim.
	ErrLeaseLost = errors.New("ledger: lease lost")

	// ErrInvalidEntry is returned when an entry is missing required fields.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
)

// StorageError wraps a failure of the underlying database.
// Callers treat it as "the ledger is unavailable", never as a verdict on
// the entry itself.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
