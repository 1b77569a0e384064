package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatest_NotFound(t *testing.T) {
	l, _ := createTestLedger(t)

	_, err := l.Latest(context.Background(), "ns", "absent", "owner")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsStorageError(err))
}

// Latest reports the highest version regardless of its status.
func TestLatest_IgnoresStatus(t *testing.T) {
	l, _ := createTestLedger(t)
	ctx := context.Background()

	mustPut(t, l, pendingEntry("k", "a", 1))
	require.NoError(t, l.UpdateStatus(ctx, "ns", "k", "owner", 1, StatusConfirmed, StatusDetail{Hash: "0x1"}))
	mustPut(t, l, pendingEntry("k", "b", 2))
	require.NoError(t, l.UpdateStatus(ctx, "ns", "k", "owner", 2, StatusFailed, StatusDetail{Failure: "reverted"}))

	e, err := l.Latest(ctx, "ns", "k", "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, StatusFailed, e.Status)
}

func TestGet_SpecificVersion(t *testing.T) {
	l, _ := createTestLedger(t)
	ctx := context.Background()

	mustPut(t, l, pendingEntry("k", "a", 1))
	mustPut(t, l, pendingEntry("k", "b", 2))

	e, err := l.Get(ctx, "ns", "k", "owner", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", e.Value)

	_, err = l.Get(ctx, "ns", "k", "owner", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOldestPending_OrdersByCreation(t *testing.T) {
	l, clock := createTestLedger(t)
	ctx := context.Background()

	mustPut(t, l, pendingEntry("first", "v", 1))
	clock.Advance(time.Second)
	mustPut(t, l, pendingEntry("second", "v", 1))

	e, err := l.OldestPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", e.Key)

	require.NoError(t, l.UpdateStatus(ctx, "ns", "first", "owner", 1, StatusConfirmed, StatusDetail{}))

	e, err = l.OldestPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", e.Key)
}

func TestOldestPending_SkipsLiveLease(t *testing.T) {
	l, clock := createTestLedger(t)
	ctx := context.Background()

	mustPut(t, l, pendingEntry("k", "v", 1))
	_, err := l.Claim(ctx, "drain-1", 1, time.Minute)
	require.NoError(t, err)

	_, err = l.OldestPending(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	clock.Advance(time.Minute)
	e, err := l.OldestPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k", e.Key)
}

func TestList_Filters(t *testing.T) {
	l, _ := createTestLedger(t)
	ctx := context.Background()

	mustPut(t, l, pendingEntry("a", "v", 1))
	mustPut(t, l, pendingEntry("b", "v", 1))
	mustPut(t, l, Entry{Namespace: "other", Key: "c", Owner: "someone", Version: 1, Value: "v"})
	require.NoError(t, l.UpdateStatus(ctx, "ns", "b", "owner", 1, StatusConfirmed, StatusDetail{}))

	tests := []struct {
		name   string
		filter Filter
		keys   []string
	}{
		{"all", Filter{}, []string{"a", "b", "c"}},
		{"pending", Filter{Status: StatusPending}, []string{"a", "c"}},
		{"namespace", Filter{Namespace: "ns"}, []string{"a", "b"}},
		{"owner", Filter{Owner: "someone"}, []string{"c"}},
		{"combined", Filter{Status: StatusPending, Namespace: "ns"}, []string{"a"}},
		{"limit", Filter{Limit: 2}, []string{"a", "b"}},
		{"none", Filter{Status: StatusFailed}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := l.List(ctx, tt.filter)
			require.NoError(t, err)
			require.NotNil(t, entries)

			keys := make([]string, 0, len(entries))
			for _, e := range entries {
				keys = append(keys, e.Key)
			}
			assert.Equal(t, tt.keys, keys)
		})
	}
}

func TestCounts(t *testing.T) {
	l, _ := createTestLedger(t)
	ctx := context.Background()

	counts, err := l.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 0, StatusConfirmed: 0, StatusFailed: 0}, counts)

	mustPut(t, l, pendingEntry("a", "v", 1))
	mustPut(t, l, pendingEntry("b", "v", 1))
	mustPut(t, l, pendingEntry("c", "v", 1))
	require.NoError(t, l.UpdateStatus(ctx, "ns", "b", "owner", 1, StatusConfirmed, StatusDetail{}))
	require.NoError(t, l.UpdateStatus(ctx, "ns", "c", "owner", 1, StatusFailed, StatusDetail{}))

	counts, err = l.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 1, StatusConfirmed: 1, StatusFailed: 1}, counts)
}
