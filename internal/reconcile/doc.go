// Package reconcile drains the local ledger into the chain.
//
// A Loop wakes on a fixed interval, leases a bounded batch of the oldest
// pending ledger rows and writes each one through a chain.Gateway with
// expectedVersion set to the row's version. Every row is settled on its
// own: a successful write marks it confirmed with the transaction hash,
// any error marks it failed with a classified reason. One failure never
// stops the rest of the batch.
//
// CONCURRENCY:
//
// At most one drain runs at a time per Loop. A tick that fires while a
// drain is in flight is dropped, not queued. Across processes sharing one
// ledger, leases keep drains from claiming the same rows, and the
// gateway's version contract rejects any duplicate submission that slips
// through after a lease expires.
//
// SHUTDOWN:
//
// Stop (or cancelling the Run context) lets the in-flight write finish on
// a context detached from shutdown, settles it, and releases the leases of
// the rows the drain did not reach. Rows left leased by a crash become
// claimable again once their lease expires; there is no separate recovery
// path.
package reconcile
