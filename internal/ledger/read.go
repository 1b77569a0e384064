package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const entryColumns = `namespace, key, owner, version, value, status, hash, failure,
	attempts, claim_id, lease_expires_at, created_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Latest returns the highest-version row for a key regardless of status.
// Returns ErrNotFound if the key has never been written.
func (l *Ledger) Latest(ctx context.Context, namespace, key, owner string) (Entry, error) {
	e, err := latest(ctx, l.db, namespace, key, owner)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, storageErr("latest", err)
	}
	return e, err
}

func latest(ctx context.Context, q queryer, namespace, key, owner string) (Entry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM state_entries
		WHERE namespace = ? AND key = ? AND owner = ?
		ORDER BY version DESC
		LIMIT 1
	`, namespace, key, owner)
	return scanEntry(row)
}

// Get returns one specific version of a key.
// Returns ErrNotFound if that version was never written.
func (l *Ledger) Get(ctx context.Context, namespace, key, owner string, version int64) (Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM state_entries
		WHERE namespace = ? AND key = ? AND owner = ? AND version = ?
	`, namespace, key, owner, version)

	e, err := scanEntry(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, storageErr("get", err)
	}
	return e, err
}

// OldestPending returns the pending row with the smallest created_at among
// rows that are not held by a live lease.
// Returns ErrNotFound when there is nothing to drain.
func (l *Ledger) OldestPending(ctx context.Context) (Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM state_entries
		WHERE status = 'pending'
		  AND (claim_id IS NULL OR lease_expires_at <= ?)
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`, l.now().UnixNano())

	e, err := scanEntry(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, storageErr("oldest pending", err)
	}
	return e, err
}

// List returns rows matching the filter in drain order.
// Returns an empty slice (not nil) when nothing matches.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, f.Namespace)
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}

	query := `SELECT ` + entryColumns + ` FROM state_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	entries, err := queryEntries(ctx, l.db, query, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	return entries, nil
}

// Counts returns the number of rows per status. Statuses with no rows are
// present with a zero count.
func (l *Ledger) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM state_entries GROUP BY status
	`)
	if err != nil {
		return nil, storageErr("counts", err)
	}
	defer rows.Close()

	counts := map[Status]int{
		StatusPending:   0,
		StatusConfirmed: 0,
		StatusFailed:    0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("counts: scan", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("counts: iterate", err)
	}
	return counts, nil
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanEntry scans one row selected with entryColumns.
// Maps sql.ErrNoRows to ErrNotFound.
func scanEntry(s scanner) (Entry, error) {
	var (
		e                    Entry
		status               string
		hash, failure, claim sql.NullString
		lease                sql.NullInt64
		created, updated     int64
	)
	err := s.Scan(
		&e.Namespace, &e.Key, &e.Owner, &e.Version, &e.Value, &status,
		&hash, &failure, &e.Attempts, &claim, &lease, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}

	e.Status = Status(status)
	e.Hash = hash.String
	e.Failure = failure.String
	e.ClaimID = claim.String
	if lease.Valid {
		e.LeaseExpiresAt = time.Unix(0, lease.Int64).UTC()
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
