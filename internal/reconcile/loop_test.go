package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainsync/internal/chain"
	"github.com/roach88/chainsync/internal/ledger"
	"github.com/roach88/chainsync/internal/testutil"
)

type fixture struct {
	ledger  *ledger.Ledger
	gateway *testutil.Gateway
	clock   *testutil.FakeClock
	loop    *Loop
}

func setupLoop(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	l, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"), ledger.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	g := testutil.NewGateway()
	base := []Option{
		WithClaimIDs(testutil.NewSequentialClaimIDs("drain")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return &fixture{
		ledger:  l,
		gateway: g,
		clock:   clock,
		loop:    New(l, g, append(base, opts...)...),
	}
}

func (f *fixture) put(t *testing.T, key, value string, version int64) {
	t.Helper()
	_, err := f.ledger.Put(context.Background(), ledger.Entry{
		Namespace: "ns",
		Key:       key,
		Owner:     "owner",
		Version:   version,
		Value:     value,
	})
	require.NoError(t, err)
	// Distinct created_at keeps FIFO order explicit
	f.clock.Advance(time.Second)
}

func (f *fixture) entry(t *testing.T, key string, version int64) ledger.Entry {
	t.Helper()
	e, err := f.ledger.Get(context.Background(), "ns", key, "owner", version)
	require.NoError(t, err)
	return e
}

func TestNew_Defaults(t *testing.T) {
	f := setupLoop(t, WithBatchSize(0), WithInterval(-1))

	assert.Equal(t, DefaultInterval, f.loop.interval)
	assert.Equal(t, DefaultBatchSize, f.loop.batchSize)
	assert.Equal(t, DefaultLease, f.loop.lease)
	assert.Equal(t, DefaultWriteTimeout, f.loop.writeTimeout)
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()

	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Equal(t, byte('7'), a[14])
}

func TestTick_EmptyLedger(t *testing.T) {
	f := setupLoop(t)

	report, ran := f.loop.Tick(context.Background())
	assert.True(t, ran)
	assert.Equal(t, "drain-1", report.ClaimID)
	assert.Empty(t, report.Outcomes)
	assert.Empty(t, f.gateway.Writes())
}

func TestTick_ConfirmsPending(t *testing.T) {
	f := setupLoop(t)
	f.gateway.SetTxHash("0xabc")
	f.put(t, "ns_user1_2024-01-01", "42", 1)

	report, ran := f.loop.Tick(context.Background())
	require.True(t, ran)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ledger.StatusConfirmed, report.Outcomes[0].Status)
	assert.Equal(t, "0xabc", report.Outcomes[0].Hash)

	e := f.entry(t, "ns_user1_2024-01-01", 1)
	assert.Equal(t, ledger.StatusConfirmed, e.Status)
	assert.Equal(t, "0xabc", e.Hash)
	assert.Equal(t, 1, e.Attempts)
	assert.Empty(t, e.ClaimID)

	assert.Equal(t, []testutil.WriteCall{{Namespace: "ns", Key: "ns_user1_2024-01-01", Value: "42", Version: 1}}, f.gateway.Writes())
}

// A second tick while the first drain's write is blocked does not reach
// the gateway.
func TestTick_SingleInFlightDrain(t *testing.T) {
	f := setupLoop(t)
	f.put(t, "k", "v", 1)
	entered, release := f.gateway.Hold()
	defer release()

	first := make(chan bool, 1)
	go func() {
		_, ran := f.loop.Tick(context.Background())
		first <- ran
	}()
	<-entered

	report, ran := f.loop.Tick(context.Background())
	assert.False(t, ran)
	assert.Empty(t, report.Outcomes)
	assert.Len(t, f.gateway.Writes(), 1)

	release()
	assert.True(t, <-first)
	assert.Len(t, f.gateway.Writes(), 1)

	stats := f.loop.Stats()
	assert.Equal(t, int64(1), stats.Ticks)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(1), stats.Confirmed)

	// Guard released: the next tick runs
	_, ran = f.loop.Tick(context.Background())
	assert.True(t, ran)
}

// One failing write in a batch fails only its own row.
func TestTick_FailAndContinue(t *testing.T) {
	f := setupLoop(t)
	f.put(t, "k1", "a", 1)
	f.put(t, "k2", "b", 1)
	f.put(t, "k3", "c", 1)
	f.gateway.FailWrite("k2", &chain.TransportError{Op: "confirm", Err: errors.New("reverted")})

	report, ran := f.loop.Tick(context.Background())
	require.True(t, ran)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, 2, report.Confirmed())
	assert.Equal(t, 1, report.Failed())

	assert.Equal(t, ledger.StatusConfirmed, f.entry(t, "k1", 1).Status)
	assert.Equal(t, ledger.StatusConfirmed, f.entry(t, "k3", 1).Status)

	failed := f.entry(t, "k2", 1)
	assert.Equal(t, ledger.StatusFailed, failed.Status)
	assert.Equal(t, "transport: chain confirm: reverted", failed.Failure)

	// The loop is undisturbed: a later put drains normally
	f.put(t, "k4", "d", 1)
	report, ran = f.loop.Tick(context.Background())
	require.True(t, ran)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "k4", report.Outcomes[0].Key)
	assert.Equal(t, ledger.StatusConfirmed, report.Outcomes[0].Status)

	// Failed rows are not retried automatically
	for _, w := range f.gateway.Writes()[3:] {
		assert.NotEqual(t, "k2", w.Key)
	}
}

func TestTick_StaleVersionFails(t *testing.T) {
	f := setupLoop(t)
	f.gateway.Seed("ns", "k", "remote", 5)
	f.put(t, "k", "local", 3)

	report, _ := f.loop.Tick(context.Background())
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ledger.StatusFailed, report.Outcomes[0].Status)

	e := f.entry(t, "k", 3)
	assert.Equal(t, ledger.StatusFailed, e.Status)
	assert.Contains(t, e.Failure, "stale version: ")

	rec, ok := f.gateway.Record("ns", "k")
	require.True(t, ok)
	assert.Equal(t, "remote", rec.Value)
}

// After a stale write the ledger learns the chain's version, so readers
// stop seeing the rejected value.
func TestTick_StaleVersionRecordsChainValue(t *testing.T) {
	f := setupLoop(t)
	f.gateway.Seed("ns", "k", "remote", 5)
	f.put(t, "k", "local", 3)

	report, _ := f.loop.Tick(context.Background())
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, f.gateway.Reads())

	latest, err := f.ledger.Latest(context.Background(), "ns", "k", "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.Version)
	assert.Equal(t, "remote", latest.Value)
	assert.Equal(t, ledger.StatusConfirmed, latest.Status)
	assert.Zero(t, latest.Attempts)
	assert.Empty(t, latest.Hash)

	assert.Equal(t, ledger.StatusFailed, f.entry(t, "k", 3).Status)

	// The recorded row is not resubmitted
	report, ran := f.loop.Tick(context.Background())
	require.True(t, ran)
	assert.Empty(t, report.Outcomes)
	assert.Len(t, f.gateway.Writes(), 1)
}

// A stale write whose chain read fails leaves only the failed row.
func TestTick_StaleVersionChainReadFails(t *testing.T) {
	f := setupLoop(t)
	f.put(t, "k", "local", 3)
	f.gateway.FailWrite("k", fmt.Errorf("%w: chain has version 9", chain.ErrStaleVersion))

	report, _ := f.loop.Tick(context.Background())
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ledger.StatusFailed, report.Outcomes[0].Status)
	assert.NoError(t, report.Outcomes[0].Err)

	latest, err := f.ledger.Latest(context.Background(), "ns", "k", "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)
	assert.Equal(t, ledger.StatusFailed, latest.Status)
}

func TestTick_BatchSize(t *testing.T) {
	f := setupLoop(t, WithBatchSize(2))
	for i := 0; i < 5; i++ {
		f.put(t, fmt.Sprintf("k%d", i), "v", 1)
	}

	var keys []string
	for i := 0; i < 3; i++ {
		report, ran := f.loop.Tick(context.Background())
		require.True(t, ran)
		assert.LessOrEqual(t, len(report.Outcomes), 2)
		for _, o := range report.Outcomes {
			keys = append(keys, o.Key)
		}
	}

	// FIFO across ticks
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, keys)
}

// A row leased by a drain that never finished comes back after its lease.
func TestTick_RecoversExpiredLease(t *testing.T) {
	f := setupLoop(t, WithLease(15*time.Minute))
	f.put(t, "k", "v", 1)

	// A crashed drain left the row leased
	_, err := f.ledger.Claim(context.Background(), "crashed", 20, 15*time.Minute)
	require.NoError(t, err)

	report, ran := f.loop.Tick(context.Background())
	require.True(t, ran)
	assert.Empty(t, report.Outcomes)

	f.clock.Advance(15 * time.Minute)
	report, ran = f.loop.Tick(context.Background())
	require.True(t, ran)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ledger.StatusConfirmed, report.Outcomes[0].Status)
	assert.Equal(t, 2, f.entry(t, "k", 1).Attempts)
}

// A drain whose write landed but whose status update was lost resubmits
// after the lease; the chain rejects the duplicate.
func TestTick_DuplicateSubmissionRejectedByChain(t *testing.T) {
	f := setupLoop(t)
	f.put(t, "k", "v", 1)
	f.gateway.Seed("ns", "k", "v", 1)

	report, _ := f.loop.Tick(context.Background())
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ledger.StatusFailed, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Failure, "stale version")

	// The chain holds the same version, so nothing newer is recorded
	latest, err := f.ledger.Latest(context.Background(), "ns", "k", "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Version)
	assert.Equal(t, ledger.StatusFailed, latest.Status)
}

// A drain whose lease expires mid-write does not overwrite the row now
// held by another claim.
func TestTick_LeaseTakenOverMidWrite(t *testing.T) {
	f := setupLoop(t, WithLease(time.Minute))
	f.put(t, "k", "v", 1)
	entered, release := f.gateway.Hold()
	defer release()

	reports := make(chan Report, 1)
	go func() {
		report, _ := f.loop.Tick(context.Background())
		reports <- report
	}()
	<-entered

	f.clock.Advance(2 * time.Minute)
	taken, err := f.ledger.Claim(context.Background(), "other", 20, time.Minute)
	require.NoError(t, err)
	require.Len(t, taken, 1)

	release()
	report := <-reports

	require.Len(t, report.Outcomes, 1)
	out := report.Outcomes[0]
	assert.Equal(t, ledger.StatusConfirmed, out.Status)
	assert.ErrorIs(t, out.Err, ledger.ErrLeaseLost)
	assert.Zero(t, report.Confirmed())
	assert.Zero(t, f.loop.Stats().Confirmed)

	e := f.entry(t, "k", 1)
	assert.Equal(t, ledger.StatusPending, e.Status)
	assert.Equal(t, "other", e.ClaimID)
	assert.Empty(t, e.Hash)
}

// A row the other claim already settled keeps that claim's result.
func TestTick_LeaseTakenOverAndSettled(t *testing.T) {
	f := setupLoop(t, WithLease(time.Minute))
	f.put(t, "k", "v", 1)
	entered, release := f.gateway.Hold()
	defer release()

	reports := make(chan Report, 1)
	go func() {
		report, _ := f.loop.Tick(context.Background())
		reports <- report
	}()
	<-entered

	ctx := context.Background()
	f.clock.Advance(2 * time.Minute)
	_, err := f.ledger.Claim(ctx, "other", 20, time.Minute)
	require.NoError(t, err)
	err = f.ledger.UpdateStatus(ctx, "ns", "k", "owner", 1, ledger.StatusFailed,
		ledger.StatusDetail{ClaimID: "other", Failure: "transport: chain send: reset"})
	require.NoError(t, err)

	release()
	report := <-reports

	require.Len(t, report.Outcomes, 1)
	assert.ErrorIs(t, report.Outcomes[0].Err, ledger.ErrInvalidTransition)
	assert.Zero(t, f.loop.Stats().Confirmed)

	e := f.entry(t, "k", 1)
	assert.Equal(t, ledger.StatusFailed, e.Status)
	assert.Equal(t, "transport: chain send: reset", e.Failure)
}

func TestTick_LedgerUnavailable(t *testing.T) {
	f := setupLoop(t)
	f.put(t, "k", "v", 1)
	require.NoError(t, f.ledger.Close())

	report, ran := f.loop.Tick(context.Background())
	assert.True(t, ran)
	assert.Empty(t, report.Outcomes)
	assert.Empty(t, f.gateway.Writes())
}

func TestTick_WriteTimeout(t *testing.T) {
	f := setupLoop(t, WithWriteTimeout(20*time.Millisecond))
	f.put(t, "k", "v", 1)
	_, release := f.gateway.Hold()
	defer release()

	report, ran := f.loop.Tick(context.Background())
	require.True(t, ran)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ledger.StatusFailed, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Failure, "transport (retryable): ")
}

func TestRun_DrainsImmediatelyAndStopsOnCancel(t *testing.T) {
	f := setupLoop(t, WithInterval(time.Hour))
	f.put(t, "k", "v", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.loop.Stats().Confirmed == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, ran := f.loop.Tick(context.Background())
	assert.False(t, ran, "tick after shutdown")
}

func TestRun_Ticks(t *testing.T) {
	f := setupLoop(t, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.loop.Stats().Ticks >= 2
	}, 2*time.Second, 5*time.Millisecond)

	f.put(t, "late", "v", 1)
	require.Eventually(t, func() bool {
		e, err := f.ledger.Latest(context.Background(), "ns", "late", "owner")
		return err == nil && e.Status == ledger.StatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	f.loop.Stop()
	assert.NoError(t, <-done)
}

// Stop blocks until the in-flight write settles, and the row is settled on
// a context that shutdown does not cancel.
func TestStop_WaitsForInFlightDrain(t *testing.T) {
	f := setupLoop(t, WithInterval(time.Hour))
	f.put(t, "k", "v", 1)
	entered, release := f.gateway.Hold()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()
	<-entered

	stopped := make(chan struct{})
	go func() {
		cancel()
		f.loop.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	<-stopped
	<-done

	assert.Equal(t, ledger.StatusConfirmed, f.entry(t, "k", 1).Status)
}

// Rows the drain did not reach before Stop are handed back unleased.
func TestStop_ReleasesUnreachedRows(t *testing.T) {
	f := setupLoop(t)
	f.put(t, "k1", "a", 1)
	f.put(t, "k2", "b", 1)
	entered, release := f.gateway.Hold()
	defer release()

	reports := make(chan Report, 1)
	go func() {
		report, _ := f.loop.Tick(context.Background())
		reports <- report
	}()
	<-entered

	stopped := make(chan struct{})
	go func() {
		f.loop.Stop()
		close(stopped)
	}()
	require.Eventually(t, f.loop.isStopping, time.Second, time.Millisecond)

	release()
	<-stopped
	report := <-reports

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "k1", report.Outcomes[0].Key)
	assert.Equal(t, int64(1), report.Released)

	e := f.entry(t, "k2", 1)
	assert.Equal(t, ledger.StatusPending, e.Status)
	assert.Empty(t, e.ClaimID)
}
