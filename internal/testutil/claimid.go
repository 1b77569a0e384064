package testutil

import (
	"fmt"
	"sync"
)

// SequentialClaimIDs generates "<prefix>-1", "<prefix>-2", ... claim IDs.
//
// This enables deterministic drain logs and golden snapshot comparison.
//
// Thread-safety: SequentialClaimIDs is safe for concurrent use via internal mutex.
type SequentialClaimIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialClaimIDs creates a generator. An empty prefix defaults to "claim".
func NewSequentialClaimIDs(prefix string) *SequentialClaimIDs {
	if prefix == "" {
		prefix = "claim"
	}
	return &SequentialClaimIDs{prefix: prefix}
}

// Generate returns the next claim ID.
func (g *SequentialClaimIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
