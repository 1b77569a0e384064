package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/chainsync/internal/chain"
	"github.com/roach88/chainsync/internal/ledger"
	"github.com/roach88/chainsync/internal/reconcile"
	"github.com/roach88/chainsync/internal/state"
	"github.com/roach88/chainsync/internal/testutil"
)

// AbandonClaimID is the claim ID abandon steps lease rows under.
const AbandonClaimID = "crashed"

// failureKinds builds the error an injected write failure returns.
var failureKinds = map[string]func(namespace, key string) error{
	"reverted": func(namespace, key string) error {
		return &chain.TransportError{Op: "confirm", Err: errors.New("execution reverted")}
	},
	"timeout": func(namespace, key string) error {
		return &chain.TransportError{Op: "write", Retryable: true, Err: context.DeadlineExceeded}
	},
	"stale": func(namespace, key string) error {
		return fmt.Errorf("%w: %s/%s rejected by contract", chain.ErrStaleVersion, namespace, key)
	},
}

// Harness is one scenario run: a fresh ledger, a memory chain behind a
// tracing gateway, a reconcile loop and a state space.
type Harness struct {
	ledger  *ledger.Ledger
	chain   *chain.Memory
	clock   *testutil.FakeClock
	loop    *reconcile.Loop
	space   *state.Space
	lease   time.Duration
	ns      string
	owner   string
	result  *Result
	traceMu sync.Mutex
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory ledger and chain. Failed
// step expectations and assertions are reported in Result.Errors; the
// returned error is reserved for scenarios that cannot be set up.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.ledger.Close()

	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step)
	}

	rows, err := h.ledger.List(ctx, ledger.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read final ledger: %w", err)
	}
	for _, e := range rows {
		h.result.Ledger = append(h.result.Ledger, LedgerRow{
			Key:      e.Key,
			Version:  e.Version,
			Value:    e.Value,
			Status:   string(e.Status),
			Hash:     e.Hash,
			Failure:  e.Failure,
			Attempts: e.Attempts,
		})
	}

	actx := &AssertionContext{
		Ledger:    h.ledger,
		Chain:     h.chain,
		Namespace: h.ns,
		Owner:     h.owner,
		Ctx:       ctx,
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}

	return h.result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	h := &Harness{
		clock:  testutil.NewFakeClock(time.Time{}),
		lease:  reconcile.DefaultLease,
		ns:     scenario.Namespace,
		owner:  scenario.Owner,
		result: NewResult(),
	}
	if h.ns == "" {
		h.ns = "ns"
	}
	if h.owner == "" {
		h.owner = "owner"
	}
	if scenario.Lease != "" {
		d, err := time.ParseDuration(scenario.Lease)
		if err != nil {
			return nil, fmt.Errorf("invalid lease: %w", err)
		}
		h.lease = d
	}

	l, err := ledger.Open(":memory:", ledger.WithClock(h.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory ledger: %w", err)
	}
	h.ledger = l

	txHash := scenario.TxHash
	h.chain = chain.NewMemory(chain.WithHashFunc(func(_, _, _ string, _ int64, nonce uint64) string {
		if txHash != "" {
			return txHash
		}
		return fmt.Sprintf("0xtx%d", nonce)
	}))
	for _, rec := range scenario.Chain {
		if _, err := h.chain.Write(ctx, h.ns, rec.Key, rec.Value, rec.Version); err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to seed chain key %s: %w", rec.Key, err)
		}
	}

	gw := &recorder{next: h.chain, fail: scenario.FailWrites, trace: h.trace}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	h.loop = reconcile.New(l, gw,
		reconcile.WithBatchSize(scenario.BatchSize),
		reconcile.WithLease(h.lease),
		reconcile.WithClaimIDs(testutil.NewSequentialClaimIDs("drain")),
		reconcile.WithLogger(quiet),
	)

	h.space, err = state.New(l, gw, h.ns, h.owner, state.WithLogger(quiet))
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to create state space: %w", err)
	}
	return h, nil
}

func (h *Harness) trace(ev TraceEvent) {
	h.traceMu.Lock()
	defer h.traceMu.Unlock()
	h.result.AddTrace(ev)
}

func (h *Harness) fail(index int, action, format string, args ...interface{}) {
	h.result.AddError(fmt.Sprintf("steps[%d].%s: ", index, action) + fmt.Sprintf(format, args...))
}

// executeStep runs one step and records its trace event. Expectation
// mismatches are added to the result; later steps still run.
func (h *Harness) executeStep(ctx context.Context, i int, step Step) {
	switch {
	case step.Put != nil:
		h.put(ctx, i, step.Put)
	case step.Get != nil:
		h.get(ctx, i, step.Get)
	case step.Tick != nil:
		h.tick(ctx, i, step.Tick)
	case step.Abandon != nil:
		h.abandon(ctx, i, step.Abandon)
	case step.Resubmit != nil:
		h.resubmit(ctx, i, step.Resubmit)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			h.fail(i, "advance", "%v", err)
			return
		}
		h.clock.Advance(d)
		h.trace(TraceEvent{Op: OpAdvance, Outcome: d.String()})
	}
}

func (h *Harness) put(ctx context.Context, i int, p *PutStep) {
	ev := TraceEvent{Op: OpPut, Key: p.Key, Value: p.Value, Version: p.Version}

	ok, err := h.space.Put(ctx, p.Key, p.Value, p.Version)
	switch {
	case err != nil:
		ev.Outcome = "error: " + err.Error()
		h.fail(i, "put", "%v", err)
	case ok:
		ev.Outcome = "accepted"
	default:
		ev.Outcome = "rejected"
	}
	h.trace(ev)

	if err == nil && p.Expect != "" && p.Expect != ev.Outcome {
		h.fail(i, "put", "expected %s, got %s", p.Expect, ev.Outcome)
	}
}

func (h *Harness) get(ctx context.Context, i int, g *GetStep) {
	ev := TraceEvent{Op: OpGet, Key: g.Key}

	v, err := h.space.Get(ctx, g.Key)
	switch {
	case errors.Is(err, state.ErrNotFound):
		ev.Outcome = "not_found"
	case err != nil:
		ev.Outcome = "error: " + err.Error()
		h.fail(i, "get", "%v", err)
	default:
		ev.Value, ev.Version, ev.Outcome = v.Value, v.Version, "found"
	}
	h.trace(ev)

	exp := g.Expect
	if exp == nil || (err != nil && !errors.Is(err, state.ErrNotFound)) {
		return
	}
	if exp.NotFound {
		if ev.Outcome != "not_found" {
			h.fail(i, "get", "expected not_found, got %q version %d", v.Value, v.Version)
		}
		return
	}
	if ev.Outcome == "not_found" {
		h.fail(i, "get", "expected %q version %d, got not_found", exp.Value, exp.Version)
		return
	}
	if v.Value != exp.Value || (exp.Version != 0 && v.Version != exp.Version) {
		h.fail(i, "get", "expected %q version %d, got %q version %d", exp.Value, exp.Version, v.Value, v.Version)
	}
}

func (h *Harness) tick(ctx context.Context, i int, t *TickStep) {
	report, ran := h.loop.Tick(ctx)
	if !ran {
		h.trace(TraceEvent{Op: OpTick, Outcome: "skipped"})
		h.fail(i, "tick", "drain skipped: another drain in flight")
		return
	}

	h.trace(TraceEvent{
		Op:      OpTick,
		Outcome: fmt.Sprintf("%s confirmed=%d failed=%d", report.ClaimID, report.Confirmed(), report.Failed()),
	})

	if t.Confirmed != nil && *t.Confirmed != report.Confirmed() {
		h.fail(i, "tick", "expected confirmed=%d, got %d", *t.Confirmed, report.Confirmed())
	}
	if t.Failed != nil && *t.Failed != report.Failed() {
		h.fail(i, "tick", "expected failed=%d, got %d", *t.Failed, report.Failed())
	}
}

func (h *Harness) abandon(ctx context.Context, i int, a *AbandonStep) {
	claimed, err := h.ledger.Claim(ctx, AbandonClaimID, a.Limit, h.lease)
	if err != nil {
		h.trace(TraceEvent{Op: OpAbandon, Outcome: "error: " + err.Error()})
		h.fail(i, "abandon", "%v", err)
		return
	}
	h.trace(TraceEvent{Op: OpAbandon, Outcome: fmt.Sprintf("claimed=%d", len(claimed))})
}

func (h *Harness) resubmit(ctx context.Context, i int, r *ResubmitStep) {
	ev := TraceEvent{Op: OpResubmit, Key: r.Key, Version: r.Version, Outcome: string(ledger.StatusPending)}
	if err := h.ledger.Resubmit(ctx, h.ns, r.Key, h.owner, r.Version); err != nil {
		ev.Outcome = "error: " + err.Error()
		h.fail(i, "resubmit", "%v", err)
	}
	h.trace(ev)
}

// recorder traces every chain call and injects scripted write failures.
type recorder struct {
	next  chain.Gateway
	fail  map[string]string
	trace func(TraceEvent)
}

func (r *recorder) Read(ctx context.Context, namespace, key string) (chain.Record, error) {
	rec, err := r.next.Read(ctx, namespace, key)

	ev := TraceEvent{Op: OpChainRead, Key: key}
	switch {
	case errors.Is(err, chain.ErrNotFound):
		ev.Outcome = "not_found"
	case err != nil:
		ev.Outcome = chain.Describe(err)
	default:
		ev.Value, ev.Version, ev.Outcome = rec.Value, rec.Version, "found"
	}
	r.trace(ev)
	return rec, err
}

func (r *recorder) Write(ctx context.Context, namespace, key, value string, expectedVersion int64) (string, error) {
	var (
		hash string
		err  error
	)
	if kind, ok := r.fail[key]; ok {
		err = failureKinds[kind](namespace, key)
	} else {
		hash, err = r.next.Write(ctx, namespace, key, value, expectedVersion)
	}

	ev := TraceEvent{Op: OpChainWrite, Key: key, Value: value, Version: expectedVersion, Outcome: hash}
	if err != nil {
		ev.Outcome = chain.Describe(err)
	}
	r.trace(ev)
	return hash, err
}
