package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Put writes one version of a key.
//
// The entry's Status defaults to pending. Callers filling the ledger from
// an authoritative chain read pass StatusConfirmed instead.
//
// Outcomes, for the key's current latest row L:
//   - no L, or Version > L.Version: the row is inserted (PutInserted) and
//     older unleased pending rows of the key are failed as superseded.
//   - Version == L.Version, same value, L failed: L is reopened to pending
//     keeping its created_at (PutReopened).
//   - Version == L.Version, same value otherwise: nothing changes
//     (PutUnchanged). Replays are accepted, not rejected.
//   - Version == L.Version with a different value, or Version < L.Version:
//     ErrStaleVersion and nothing changes.
//
// Database failures are returned as *StorageError.
func (l *Ledger) Put(ctx context.Context, e Entry) (PutResult, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	if e.Status == "" {
		e.Status = StatusPending
	}

	var result PutResult
	err := l.withTx(ctx, "put", func(tx *sql.Tx) error {
		now := l.now().UnixNano()

		cur, err := latest(ctx, tx, e.Namespace, e.Key, e.Owner)
		switch {
		case errors.Is(err, ErrNotFound):
			// First write of this key
		case err != nil:
			return storageErr("put: read latest", err)
		case e.Version < cur.Version:
			return fmt.Errorf("%w: %s/%s version %d is older than stored version %d",
				ErrStaleVersion, e.Namespace, e.Key, e.Version, cur.Version)
		case e.Version == cur.Version && e.Value != cur.Value:
			return fmt.Errorf("%w: %s/%s version %d already holds a different value",
				ErrStaleVersion, e.Namespace, e.Key, e.Version)
		case e.Version == cur.Version && cur.Status == StatusFailed:
			if err := reopen(ctx, tx, cur, now); err != nil {
				return err
			}
			result = PutReopened
			return nil
		case e.Version == cur.Version:
			result = PutUnchanged
			return nil
		}

		if err := insert(ctx, tx, e, now); err != nil {
			return err
		}
		result = PutInserted
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// PutNext writes a pending value at the key's next version: one above its
// latest row, or 1 for a new key. The version is chosen inside the write
// transaction, so concurrent PutNext calls on one key each get their own
// version. e.Version must be zero. Returns the version stored.
func (l *Ledger) PutNext(ctx context.Context, e Entry) (int64, error) {
	if e.Version != 0 {
		return 0, fmt.Errorf("%w: PutNext chooses the version, got %d", ErrInvalidEntry, e.Version)
	}
	e.Version = 1
	if err := e.validate(); err != nil {
		return 0, err
	}
	e.Status = StatusPending

	err := l.withTx(ctx, "put next", func(tx *sql.Tx) error {
		cur, err := latest(ctx, tx, e.Namespace, e.Key, e.Owner)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return storageErr("put next: read latest", err)
		default:
			e.Version = cur.Version + 1
		}

		return insert(ctx, tx, e, l.now().UnixNano())
	})
	if err != nil {
		return 0, err
	}
	return e.Version, nil
}

// insert adds e as a new row. Pending rows first supersede older pending
// versions of the key.
func insert(ctx context.Context, tx *sql.Tx, e Entry, now int64) error {
	if e.Status == StatusPending {
		if err := supersede(ctx, tx, e, now); err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_entries
		(namespace, key, owner, version, value, status, hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Namespace,
		e.Key,
		e.Owner,
		e.Version,
		e.Value,
		string(e.Status),
		nullString(e.Hash),
		now,
		now,
	)
	if err != nil {
		return storageErr("put: insert", err)
	}
	return nil
}

func reopen(ctx context.Context, tx *sql.Tx, cur Entry, now int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE state_entries
		SET status = 'pending', hash = NULL, failure = NULL,
		    claim_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE namespace = ? AND key = ? AND owner = ? AND version = ?
	`, now, cur.Namespace, cur.Key, cur.Owner, cur.Version)
	if err != nil {
		return storageErr("put: reopen", err)
	}
	return nil
}

// supersede fails older pending versions of the key that no drain holds.
// Leased rows are left alone; their drain settles them.
func supersede(ctx context.Context, tx *sql.Tx, e Entry, now int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE state_entries
		SET status = 'failed', failure = ?, updated_at = ?
		WHERE namespace = ? AND key = ? AND owner = ?
		  AND status = 'pending' AND version < ?
		  AND (claim_id IS NULL OR lease_expires_at <= ?)
	`,
		fmt.Sprintf("superseded by version %d", e.Version),
		now,
		e.Namespace, e.Key, e.Owner, e.Version,
		now,
	)
	if err != nil {
		return storageErr("put: supersede", err)
	}
	return nil
}

// UpdateStatus settles a pending row as confirmed or failed and clears its
// lease. Hash is recorded for confirmed rows, Failure for failed rows.
//
// With detail.ClaimID set the row must still be leased to that claim;
// a row re-claimed by another drain after its lease expired returns
// ErrLeaseLost and is left alone.
//
// Returns ErrNotFound if the version does not exist and ErrInvalidTransition
// if the row is not pending or status is not terminal.
func (l *Ledger) UpdateStatus(ctx context.Context, namespace, key, owner string, version int64, status Status, detail StatusDetail) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, status)
	}

	var hash, failure sql.NullString
	if status == StatusConfirmed {
		hash = nullString(detail.Hash)
	} else {
		failure = nullString(detail.Failure)
	}

	return l.withTx(ctx, "update status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE state_entries
			SET status = ?, hash = ?, failure = ?,
			    claim_id = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE namespace = ? AND key = ? AND owner = ? AND version = ?
			  AND status = 'pending'
			  AND (? = '' OR claim_id = ?)
		`,
			string(status), hash, failure, l.now().UnixNano(),
			namespace, key, owner, version,
			detail.ClaimID, detail.ClaimID,
		)
		if err != nil {
			return storageErr("update status", err)
		}
		return explainNoop(ctx, tx, res, namespace, key, owner, version, detail.ClaimID)
	})
}

// Resubmit moves a failed row back to pending so the next drain retries it.
// Only the latest version of a key can be resubmitted.
func (l *Ledger) Resubmit(ctx context.Context, namespace, key, owner string, version int64) error {
	return l.withTx(ctx, "resubmit", func(tx *sql.Tx) error {
		cur, err := latest(ctx, tx, namespace, key, owner)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if err != nil {
			return storageErr("resubmit: read latest", err)
		}
		if cur.Version != version {
			return fmt.Errorf("%w: version %d is not the latest (%d)", ErrInvalidTransition, version, cur.Version)
		}
		if cur.Status != StatusFailed {
			return fmt.Errorf("%w: version %d is %s, not failed", ErrInvalidTransition, version, cur.Status)
		}
		return reopen(ctx, tx, cur, l.now().UnixNano())
	})
}

// Purge deletes every row, or every row of one namespace when namespace is
// not empty. Returns the number of rows removed.
func (l *Ledger) Purge(ctx context.Context, namespace string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if namespace == "" {
		res, err = l.db.ExecContext(ctx, `DELETE FROM state_entries`)
	} else {
		res, err = l.db.ExecContext(ctx, `DELETE FROM state_entries WHERE namespace = ?`, namespace)
	}
	if err != nil {
		return 0, storageErr("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge: rows affected", err)
	}
	return n, nil
}

// explainNoop turns a zero-row status update into ErrNotFound,
// ErrLeaseLost or ErrInvalidTransition.
func explainNoop(ctx context.Context, tx *sql.Tx, res sql.Result, namespace, key, owner string, version int64, claimID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update status: rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var (
		status string
		holder sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, claim_id FROM state_entries
		WHERE namespace = ? AND key = ? AND owner = ? AND version = ?
	`, namespace, key, owner, version).Scan(&status, &holder)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s version %d", ErrNotFound, namespace, key, version)
	}
	if err != nil {
		return storageErr("update status: lookup", err)
	}
	if Status(status) == StatusPending && claimID != "" {
		return fmt.Errorf("%w: %s/%s version %d is held by %q, not %q",
			ErrLeaseLost, namespace, key, version, holder.String, claimID)
	}
	return fmt.Errorf("%w: %s/%s version %d is already %s", ErrInvalidTransition, namespace, key, version, status)
}
