// Package harness runs chainsync scenarios: scripted sequences of puts,
// gets and drains against a fresh ledger and an in-memory chain, checked
// by assertions and compared against golden snapshots.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: put_drain_get
//	description: "A put is drained to the chain and read back locally"
//	namespace: ns
//	owner: owner
//	tx_hash: "0xabc"
//	chain:
//	  - { key: counter, value: remote, version: 5 }
//	fail_writes:
//	  k2: reverted
//	steps:
//	  - put: { key: k1, value: "42", version: 1, expect: accepted }
//	  - tick: { confirmed: 1, failed: 0 }
//	  - get: { key: k1, expect: { value: "42", version: 1 } }
//	  - abandon: { limit: 1 }
//	  - advance: 15m
//	  - resubmit: { key: k2, version: 1 }
//	assertions:
//	  - type: entry
//	    key: k1
//	    expect: { status: confirmed, hash: "0xabc" }
//	  - type: chain
//	    key: k1
//	    expect: { value: "42", version: 1 }
//	  - type: trace_count
//	    op: chain.write
//	    count: 1
//	  - type: status_count
//	    status: pending
//	    count: 0
//
// # Determinism
//
// Every run uses an in-memory SQLite ledger, a fake clock that only moves
// on advance steps, sequential claim IDs (drain-1, drain-2, ...) and
// sequential transaction hashes (0xtx1, 0xtx2, ...) unless tx_hash fixes
// one. The trace and final ledger are therefore identical across runs and
// can be compared with Snapshot against a golden file.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/put_drain_get.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
