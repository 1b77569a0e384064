package ledger

import (
	"fmt"
	"time"
)

// Status is the reconciliation state of a ledger row.
type Status string

const (
	// StatusPending rows are waiting to be written on chain.
	StatusPending Status = "pending"
	// StatusConfirmed rows are known to match the chain.
	StatusConfirmed Status = "confirmed"
	// StatusFailed rows were rejected by the chain or could not be sent.
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is confirmed or failed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Entry is one version of one key as stored in the ledger.
type Entry struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Owner     string `json:"owner"`
	Version   int64  `json:"version"`
	Value     string `json:"value"`
	Status    Status `json:"status"`

	// Hash is the settlement transaction hash, set on rows confirmed by a drain.
	Hash string `json:"hash,omitempty"`

	// Failure describes why a failed row failed.
	Failure string `json:"failure,omitempty"`

	// Attempts counts how many times the row has been claimed for submission.
	Attempts int `json:"attempts"`

	ClaimID        string    `json:"claim_id,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (e Entry) validate() error {
	switch {
	case e.Namespace == "":
		return fmt.Errorf("%w: namespace is required", ErrInvalidEntry)
	case e.Key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidEntry)
	case e.Owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidEntry)
	case e.Version < 1:
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalidEntry, e.Version)
	case e.Status != "" && !e.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}

// PutResult reports what a successful Put did.
type PutResult int

const (
	// PutInserted means a new row was written.
	PutInserted PutResult = iota + 1
	// PutReopened means a failed row with the same value and version was
	// moved back to pending.
	PutReopened
	// PutUnchanged means the same value and version was already stored.
	PutUnchanged
)

func (r PutResult) String() string {
	switch r {
	case PutInserted:
		return "inserted"
	case PutReopened:
		return "reopened"
	case PutUnchanged:
		return "unchanged"
	default:
		return fmt.Sprintf("PutResult(%d)", int(r))
	}
}

// StatusDetail carries the outcome attached to a status transition.
type StatusDetail struct {
	Hash    string
	Failure string

	// ClaimID, when set, requires the row to still be leased to this
	// claim. Drains always set it; operator tools leave it empty.
	ClaimID string
}

// Filter selects rows for List. Zero fields match everything.
type Filter struct {
	Status    Status
	Namespace string
	Owner     string
	Limit     int
}
