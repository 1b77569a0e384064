// Package state is the get/put surface other components use to keep
// namespaced state whose authoritative copy lives on chain.
//
// A Space is bound to one (namespace, owner) pair. Put writes to the local
// ledger only and returns as soon as the row is durable; the reconcile
// loop carries it to the chain later. Get prefers the ledger and falls
// back to a chain read, recording what it found in the ledger as
// confirmed so the next Get is served locally.
//
// Put reports a version conflict as (false, nil), so a rejected write is
// distinguishable from both an accepted one and a storage failure.
// Status exposes whether an accepted write has reached the chain yet.
package state
