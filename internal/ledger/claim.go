package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Claim leases up to limit of the oldest claimable pending rows to claimID
// until now+lease, and returns them in drain order.
//
// A pending row is claimable when it has no lease or its lease expired.
// Each claim counts as one submission attempt. Claim runs in one
// transaction, so two concurrent claims never receive the same row.
func (l *Ledger) Claim(ctx context.Context, claimID string, limit int, lease time.Duration) ([]Entry, error) {
	if claimID == "" {
		return nil, fmt.Errorf("%w: claim id is required", ErrInvalidEntry)
	}
	if limit < 1 {
		limit = 1
	}

	var claimed []Entry
	err := l.withTx(ctx, "claim", func(tx *sql.Tx) error {
		now := l.now()
		seqs, err := claimableSeqs(ctx, tx, now.UnixNano(), limit)
		if err != nil {
			return storageErr("claim: select", err)
		}
		if len(seqs) == 0 {
			claimed = []Entry{}
			return nil
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
		args := []any{claimID, now.Add(lease).UnixNano(), now.UnixNano()}
		args = append(args, seqs...)
		_, err = tx.ExecContext(ctx, `
			UPDATE state_entries
			SET claim_id = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE seq IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return storageErr("claim: lease", err)
		}

		claimed, err = queryEntries(ctx, tx, `
			SELECT `+entryColumns+`
			FROM state_entries
			WHERE claim_id = ? AND status = 'pending'
			ORDER BY created_at ASC, seq ASC
		`, claimID)
		if err != nil {
			return storageErr("claim: read back", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func claimableSeqs(ctx context.Context, tx *sql.Tx, now int64, limit int) ([]any, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq FROM state_entries
		WHERE status = 'pending'
		  AND (claim_id IS NULL OR lease_expires_at <= ?)
		ORDER BY created_at ASC, seq ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []any
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// Release drops the lease on every row still pending under claimID so the
// next drain can pick them up without waiting for expiry.
// Returns the number of rows released.
func (l *Ledger) Release(ctx context.Context, claimID string) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE state_entries
		SET claim_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE claim_id = ? AND status = 'pending'
	`, l.now().UnixNano(), claimID)
	if err != nil {
		return 0, storageErr("release", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("release: rows affected", err)
	}
	return n, nil
}
