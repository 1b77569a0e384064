package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/chainsync/internal/chain"
	"github.com/roach88/chainsync/internal/ledger"
)

const (
	// DefaultInterval is the time between drains.
	DefaultInterval = 2 * time.Minute

	// DefaultBatchSize is how many rows one drain claims.
	DefaultBatchSize = 20

	// DefaultLease is how long a drain holds its rows. It must outlast a
	// full batch of confirmed writes or rows get claimed twice.
	DefaultLease = 15 * time.Minute

	// DefaultWriteTimeout bounds one gateway write including confirmation.
	DefaultWriteTimeout = 5 * time.Minute
)

// Loop drains pending ledger rows into the chain.
//
// Thread-safety model:
//   - Tick(): safe from any goroutine; concurrent calls are dropped while a
//     drain is in flight
//   - Run(): call from one goroutine
//   - Stop(), Stats(): safe from any goroutine
type Loop struct {
	ledger  *ledger.Ledger
	gateway chain.Gateway

	interval     time.Duration
	batchSize    int
	lease        time.Duration
	writeTimeout time.Duration
	claimIDs     ClaimIDGenerator
	logger       *slog.Logger

	inFlight atomic.Bool

	mu       sync.Mutex
	stopping bool
	current  chan struct{} // closed when the in-flight drain returns

	stop     chan struct{}
	stopOnce sync.Once

	ticks, skipped, confirmed, failed atomic.Int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the time between drains.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		l.interval = d
	}
}

// WithBatchSize sets how many rows one drain claims. 1 drains a single
// entry per tick.
func WithBatchSize(n int) Option {
	return func(l *Loop) {
		l.batchSize = n
	}
}

// WithLease sets how long a drain holds its claimed rows.
func WithLease(d time.Duration) Option {
	return func(l *Loop) {
		l.lease = d
	}
}

// WithWriteTimeout bounds each gateway write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Loop) {
		l.writeTimeout = d
	}
}

// WithClaimIDs overrides the claim ID generator.
func WithClaimIDs(g ClaimIDGenerator) Option {
	return func(l *Loop) {
		l.claimIDs = g
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a Loop over a ledger and gateway.
// Non-positive option values fall back to the defaults.
func New(l *ledger.Ledger, g chain.Gateway, opts ...Option) *Loop {
	loop := &Loop{
		ledger:       l,
		gateway:      g,
		interval:     DefaultInterval,
		batchSize:    DefaultBatchSize,
		lease:        DefaultLease,
		writeTimeout: DefaultWriteTimeout,
		claimIDs:     UUIDv7Generator{},
		logger:       slog.Default(),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(loop)
	}

	if loop.interval <= 0 {
		loop.interval = DefaultInterval
	}
	if loop.batchSize < 1 {
		loop.batchSize = DefaultBatchSize
	}
	if loop.lease <= 0 {
		loop.lease = DefaultLease
	}
	if loop.writeTimeout <= 0 {
		loop.writeTimeout = DefaultWriteTimeout
	}
	return loop
}

// Tick runs one drain unless another drain is in flight or the loop is
// stopping, in which case it returns false immediately.
func (l *Loop) Tick(ctx context.Context) (Report, bool) {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		l.logger.Debug("drain skipped: previous drain still in flight")
		return Report{}, false
	}
	defer l.inFlight.Store(false)

	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return Report{}, false
	}
	done := make(chan struct{})
	l.current = done
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.current = nil
		l.mu.Unlock()
		close(done)
	}()

	l.ticks.Add(1)
	return l.drain(ctx), true
}

// Run drains immediately, then once per interval, until ctx is cancelled or
// Stop is called. Drains run on a context detached from ctx so shutdown
// never interrupts a write; Run returns after the in-flight drain settles.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("reconcile loop starting",
		"interval", l.interval,
		"batch_size", l.batchSize,
		"lease", l.lease,
	)

	drainCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	go l.Tick(drainCtx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("reconcile loop stopping: context cancelled")
			l.shutdown()
			return ctx.Err()

		case <-l.stop:
			l.logger.Info("reconcile loop stopping: stop requested")
			l.shutdown()
			return nil

		case <-ticker.C:
			go l.Tick(drainCtx)
		}
	}
}

// Stop ends Run and blocks until the in-flight drain, if any, has settled.
// After Stop, Tick always returns false.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.shutdown()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.stopping = true
	done := l.current
	l.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (l *Loop) isStopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

// Stats returns a snapshot of the loop's counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:     l.ticks.Load(),
		Skipped:   l.skipped.Load(),
		Confirmed: l.confirmed.Load(),
		Failed:    l.failed.Load(),
	}
}
