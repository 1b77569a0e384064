package reconcile

import "github.com/google/uuid"

// ClaimIDGenerator names drains. Each drain leases its rows under a fresh ID.
// Implemented by UUIDv7Generator (production) and testutil.SequentialClaimIDs
// (tests).
type ClaimIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 claim IDs, so lease
// holders in the ledger sort by when their drain started.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
