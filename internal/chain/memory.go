package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// HashFunc derives the transaction hash reported for a write.
type HashFunc func(namespace, key, value string, version int64, nonce uint64) string

// Memory is an in-process chain honouring the Gateway version contract.
//
// With a snapshot path every successful write is persisted as CBOR, so
// separate processes (one-shot CLI commands, a running loop) can share a
// development chain. Memory is safe for concurrent use within one process.
type Memory struct {
	mu     sync.Mutex
	spaces map[string]map[string]Record
	nonce  uint64
	hash   HashFunc
	path   string
}

// MemoryOption configures a Memory chain.
type MemoryOption func(*Memory)

// WithHashFunc replaces the default BLAKE3 transaction hash.
func WithHashFunc(fn HashFunc) MemoryOption {
	return func(m *Memory) {
		m.hash = fn
	}
}

// NewMemory creates an empty, unpersisted chain.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		spaces: make(map[string]map[string]Record),
		hash:   blake3Hash,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenMemory creates a chain persisted at path, loading the existing
// snapshot if the file exists.
func OpenMemory(path string, opts ...MemoryOption) (*Memory, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: memory chain snapshot path is required", ErrMisconfigured)
	}
	m := NewMemory(opts...)
	m.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain snapshot: %w", err)
	}

	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode chain snapshot %s: %w", path, err)
	}
	m.nonce = snap.Nonce
	for ns, keys := range snap.Spaces {
		m.spaces[ns] = keys
	}
	return m, nil
}

type snapshot struct {
	Nonce  uint64                       `cbor:"1,keyasint"`
	Spaces map[string]map[string]Record `cbor:"2,keyasint"`
}

// Read implements Gateway.
func (m *Memory) Read(ctx context.Context, namespace, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, &TransportError{Op: "read", Retryable: true, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.spaces[namespace][key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	return rec, nil
}

// Write implements Gateway.
func (m *Memory) Write(ctx context.Context, namespace, key, value string, expectedVersion int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TransportError{Op: "write", Retryable: true, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.spaces[namespace][key]
	if expectedVersion <= cur.Version {
		return "", fmt.Errorf("%w: %s/%s expected version %d, chain has %d",
			ErrStaleVersion, namespace, key, expectedVersion, cur.Version)
	}

	keys, ok := m.spaces[namespace]
	if !ok {
		keys = make(map[string]Record)
		m.spaces[namespace] = keys
	}
	prev, existed := keys[key]
	keys[key] = Record{Value: value, Version: expectedVersion}
	m.nonce++

	if err := m.persist(); err != nil {
		// Roll back so memory and snapshot agree
		if existed {
			keys[key] = prev
		} else {
			delete(keys, key)
		}
		m.nonce--
		return "", &TransportError{Op: "write", Retryable: true, Err: err}
	}

	return m.hash(namespace, key, value, expectedVersion, m.nonce), nil
}

// EnsureNamespace creates an empty namespace if it does not exist.
func (m *Memory) EnsureNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.spaces[namespace]; ok {
		return nil
	}
	m.spaces[namespace] = make(map[string]Record)
	return m.persist()
}

// persist writes the snapshot atomically. Caller holds m.mu.
func (m *Memory) persist() error {
	if m.path == "" {
		return nil
	}

	data, err := cbor.Marshal(snapshot{Nonce: m.nonce, Spaces: m.spaces})
	if err != nil {
		return fmt.Errorf("encode chain snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".chain-*.tmp")
	if err != nil {
		return fmt.Errorf("write chain snapshot: %w", err)
	}
	defer os.Remove(tmp.Name()) // No-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write chain snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write chain snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("write chain snapshot: %w", err)
	}
	return nil
}

func blake3Hash(namespace, key, value string, version int64, nonce uint64) string {
	h := blake3.New()
	for _, s := range []string{namespace, key, value} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	var tail [16]byte
	binary.BigEndian.PutUint64(tail[:8], uint64(version))
	binary.BigEndian.PutUint64(tail[8:], nonce)
	h.Write(tail[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
