package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/chainsync/internal/chain"
)

// WriteCall records one Gateway.Write invocation.
type WriteCall struct {
	Namespace string
	Key       string
	Value     string
	Version   int64
}

// Gateway is a scriptable chain.Gateway for tests.
//
// It honours the chain version contract, counts every call, and lets a
// test inject write failures, fix the returned transaction hash, or hold
// writes in flight until released.
type Gateway struct {
	mu       sync.Mutex
	records  map[string]chain.Record
	reads    []string
	writes   []WriteCall
	failures map[string]error
	txHash   string
	n        int

	gate    chan struct{}
	entered chan WriteCall
}

var _ chain.Gateway = (*Gateway)(nil)

// NewGateway creates an empty scripted gateway.
func NewGateway() *Gateway {
	return &Gateway{
		records:  make(map[string]chain.Record),
		failures: make(map[string]error),
	}
}

func recordKey(namespace, key string) string {
	return namespace + "/" + key
}

// Seed stores a record as if it had been written on chain earlier.
func (g *Gateway) Seed(namespace, key, value string, version int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[recordKey(namespace, key)] = chain.Record{Value: value, Version: version}
}

// FailWrite makes every write of key return err.
func (g *Gateway) FailWrite(key string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[key] = err
}

// SetTxHash makes every successful write return hash.
// By default the n-th write returns a zero-padded hex of n.
func (g *Gateway) SetTxHash(hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.txHash = hash
}

// Hold makes subsequent writes block until release is called (or their
// context ends). Each blocked write is announced on the returned channel.
func (g *Gateway) Hold() (entered <-chan WriteCall, release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gate := make(chan struct{})
	ch := make(chan WriteCall, 64)
	g.gate = gate
	g.entered = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.mu.Lock()
			g.gate = nil
			g.entered = nil
			g.mu.Unlock()
			close(gate)
		})
	}
}

// Read implements chain.Gateway.
func (g *Gateway) Read(ctx context.Context, namespace, key string) (chain.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reads = append(g.reads, recordKey(namespace, key))
	rec, ok := g.records[recordKey(namespace, key)]
	if !ok {
		return chain.Record{}, fmt.Errorf("%w: %s/%s", chain.ErrNotFound, namespace, key)
	}
	return rec, nil
}

// Write implements chain.Gateway.
func (g *Gateway) Write(ctx context.Context, namespace, key, value string, expectedVersion int64) (string, error) {
	call := WriteCall{Namespace: namespace, Key: key, Value: value, Version: expectedVersion}

	g.mu.Lock()
	g.writes = append(g.writes, call)
	gate, entered := g.gate, g.entered
	g.mu.Unlock()

	if gate != nil {
		entered <- call
		select {
		case <-gate:
		case <-ctx.Done():
			return "", &chain.TransportError{Op: "write", Retryable: true, Err: ctx.Err()}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err, ok := g.failures[key]; ok {
		return "", err
	}

	rk := recordKey(namespace, key)
	if cur := g.records[rk]; expectedVersion <= cur.Version {
		return "", fmt.Errorf("%w: %s expected %d, chain has %d", chain.ErrStaleVersion, rk, expectedVersion, cur.Version)
	}
	g.records[rk] = chain.Record{Value: value, Version: expectedVersion}

	g.n++
	if g.txHash != "" {
		return g.txHash, nil
	}
	return fmt.Sprintf("0x%064x", g.n), nil
}

// Reads returns how many reads were made.
func (g *Gateway) Reads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reads)
}

// Writes returns a copy of every write call, including failed ones.
func (g *Gateway) Writes() []WriteCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]WriteCall, len(g.writes))
	copy(out, g.writes)
	return out
}

// Record returns what the fake chain holds for a key.
func (g *Gateway) Record(namespace, key string) (chain.Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[recordKey(namespace, key)]
	return rec, ok
}
