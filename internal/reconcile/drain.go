package reconcile

import (
	"context"
	"errors"

	"github.com/roach88/chainsync/internal/chain"
	"github.com/roach88/chainsync/internal/ledger"
)

// drain claims one batch and settles every row in it.
//
// ERROR HANDLING: A ledger that cannot be read means nothing to do this
// tick. A write error fails only its own row. A status update that fails
// after the write is logged and left to lease expiry. A row whose lease
// passed to another claim mid-write keeps that claim's outcome; ours is
// dropped.
func (l *Loop) drain(ctx context.Context) Report {
	claimID := l.claimIDs.Generate()
	report := Report{ClaimID: claimID, Outcomes: []Outcome{}}

	entries, err := l.ledger.Claim(ctx, claimID, l.batchSize, l.lease)
	if err != nil {
		l.logger.Warn("drain skipped: ledger unavailable",
			"claim_id", claimID,
			"error", err,
		)
		return report
	}
	if len(entries) == 0 {
		l.logger.Debug("drain found nothing pending", "claim_id", claimID)
		return report
	}

	l.logger.Info("drain started", "claim_id", claimID, "entries", len(entries))

	for _, e := range entries {
		if l.isStopping() {
			report.Released = l.release(ctx, claimID)
			break
		}
		report.Outcomes = append(report.Outcomes, l.settle(ctx, claimID, e))
	}

	l.logger.Info("drain finished",
		"claim_id", claimID,
		"confirmed", report.Confirmed(),
		"failed", report.Failed(),
		"released", report.Released,
	)
	return report
}

// settle writes one row through the gateway and records the result.
func (l *Loop) settle(ctx context.Context, claimID string, e ledger.Entry) Outcome {
	out := Outcome{
		Namespace: e.Namespace,
		Key:       e.Key,
		Owner:     e.Owner,
		Version:   e.Version,
	}

	writeCtx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	hash, err := l.gateway.Write(writeCtx, e.Namespace, e.Key, e.Value, e.Version)
	cancel()

	detail := ledger.StatusDetail{ClaimID: claimID}
	if err != nil {
		out.Status = ledger.StatusFailed
		out.Failure = chain.Describe(err)
		detail.Failure = out.Failure
		l.logger.Warn("chain write failed",
			"namespace", e.Namespace,
			"key", e.Key,
			"version", e.Version,
			"attempt", e.Attempts,
			"retryable", chain.IsRetryable(err),
			"error", err,
		)
	} else {
		out.Status = ledger.StatusConfirmed
		out.Hash = hash
		detail.Hash = hash
		l.logger.Debug("chain write confirmed",
			"namespace", e.Namespace,
			"key", e.Key,
			"version", e.Version,
			"tx", hash,
		)
	}

	if uerr := l.ledger.UpdateStatus(ctx, e.Namespace, e.Key, e.Owner, e.Version, out.Status, detail); uerr != nil {
		out.Err = uerr
		if errors.Is(uerr, ledger.ErrLeaseLost) || errors.Is(uerr, ledger.ErrInvalidTransition) {
			l.logger.Warn("outcome dropped: row settled by another claim",
				"claim_id", claimID,
				"namespace", e.Namespace,
				"key", e.Key,
				"version", e.Version,
				"status", out.Status,
				"error", uerr,
			)
			return out
		}
		l.logger.Error("status update failed",
			"namespace", e.Namespace,
			"key", e.Key,
			"version", e.Version,
			"status", out.Status,
			"error", uerr,
		)
		return out
	}

	if out.Status == ledger.StatusConfirmed {
		l.confirmed.Add(1)
	} else {
		l.failed.Add(1)
		if errors.Is(err, chain.ErrStaleVersion) {
			l.refresh(ctx, e)
		}
	}
	return out
}

// refresh records the chain's newer value after a stale write, so readers
// of the ledger stop serving the rejected version. Failures are logged
// and otherwise ignored; the next chain read fills the row anyway.
func (l *Loop) refresh(ctx context.Context, e ledger.Entry) {
	readCtx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	rec, err := l.gateway.Read(readCtx, e.Namespace, e.Key)
	cancel()
	if err != nil {
		l.logger.Debug("stale refresh skipped",
			"namespace", e.Namespace,
			"key", e.Key,
			"error", err,
		)
		return
	}
	if rec.Version <= e.Version {
		return
	}

	_, err = l.ledger.Put(ctx, ledger.Entry{
		Namespace: e.Namespace,
		Key:       e.Key,
		Owner:     e.Owner,
		Version:   rec.Version,
		Value:     rec.Value,
		Status:    ledger.StatusConfirmed,
	})
	if errors.Is(err, ledger.ErrStaleVersion) {
		// A newer local version is already queued
		return
	}
	if err != nil {
		l.logger.Warn("stale refresh failed",
			"namespace", e.Namespace,
			"key", e.Key,
			"version", rec.Version,
			"error", err,
		)
		return
	}
	l.logger.Debug("stale refresh recorded chain version",
		"namespace", e.Namespace,
		"key", e.Key,
		"version", rec.Version,
	)
}

func (l *Loop) release(ctx context.Context, claimID string) int64 {
	n, err := l.ledger.Release(ctx, claimID)
	if err != nil {
		// Rows come back when the lease expires
		l.logger.Warn("lease release failed", "claim_id", claimID, "error", err)
		return 0
	}
	return n
}
