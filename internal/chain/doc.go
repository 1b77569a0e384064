// Package chain is the pipeline's only network-facing dependency: a
// versioned key/value contract reached through the Gateway interface.
//
// The version contract every implementation honours:
//
//   - Read returns the latest value and version of a key, or ErrNotFound
//     when the key was never written.
//   - Write(key, value, expectedVersion) succeeds only when expectedVersion is
//     greater than the key's current version; the key's version then equals
//     expectedVersion. Anything else fails with ErrStaleVersion.
//   - Write returns only after the transaction is confirmed.
//
// Failures other than a stale version are reported as *TransportError, with
// Retryable telling the caller whether sending the same write again later
// can succeed.
//
// Implementations:
//
//   - EVM: go-ethereum binding of the StateManage contract
//   - Memory: in-process chain, optionally persisted as a CBOR snapshot
//   - Limited: rate-limiting decorator for any Gateway
package chain
