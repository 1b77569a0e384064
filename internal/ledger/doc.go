// Package ledger provides the SQLite-backed write-ahead ledger of state entries
// that are waiting to be, or have been, committed on chain.
//
// Every row is one version of one key owned by one agent identity:
//
//	(namespace, key, version, owner) -> value, status, hash, failure
//
// # Status
//
// Rows move pending -> confirmed or pending -> failed. Nothing in this package
// moves a row back to pending except an explicit re-insertion of the same
// value and version over a failed row, or Resubmit.
//
// # Versions
//
// A key's latest version never goes backwards. A put with a lower version, or
// with the same version and a different value, is rejected with
// ErrStaleVersion. Replaying the exact same value and version is accepted and
// changes nothing. Putting a higher version retires older unleased pending rows
// of the same key so that the key drains once, at its newest value.
//
// # Claims
//
// The reconciliation loop claims batches of pending rows with a lease. A row
// whose lease expired (its drain crashed or hung) is claimable again, which is
// the whole crash-recovery story: there is no separate in-flight status.
//
// # Ordering
//
// Drain order is FIFO by created_at, then by the insertion sequence. All
// timestamps are stored as unix nanoseconds.
//
// # Database Configuration
//
//   - WAL mode: readers never block the writer
//   - synchronous=NORMAL: survives process crashes
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - one connection, immediate transactions: writes to the same key serialize
package ledger
