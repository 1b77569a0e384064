package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/chainsync/internal/testutil"
)

// createTestLedger creates a new ledger in a temp dir driven by a fake clock.
func createTestLedger(t *testing.T) (*Ledger, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	path := filepath.Join(t.TempDir(), "test.db")
	l, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, clock
}

// pendingEntry creates a pending entry in namespace "ns" owned by "owner".
func pendingEntry(key, value string, version int64) Entry {
	return Entry{
		Namespace: "ns",
		Key:       key,
		Owner:     "owner",
		Version:   version,
		Value:     value,
	}
}

// mustPut puts e and fails the test on error.
func mustPut(t *testing.T, l *Ledger, e Entry) PutResult {
	t.Helper()
	res, err := l.Put(context.Background(), e)
	if err != nil {
		t.Fatalf("Put(%s v%d) failed: %v", e.Key, e.Version, err)
	}
	return res
}
