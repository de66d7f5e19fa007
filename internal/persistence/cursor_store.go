package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"DexIndexer/internal/model"
)

// CursorStore persists per-stream ingestion progress. Advance is a strict
// compare-and-swap on the stored paging token: it is the sole correctness
// guard against two loop instances running for the same stream, so no
// distributed lock is assumed anywhere else.
type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Load returns the stream's cursor, or nil when the stream has never
// advanced.
func (cs *CursorStore) Load(ctx context.Context, stream string) (*model.Cursor, error) {
	var c model.Cursor
	var ledger int64
	err := cs.db.QueryRowContext(ctx, `
		SELECT stream, paging_token, ledger_seq, updated_at
		FROM ingest_cursors
		WHERE stream = $1
	`, stream).Scan(&c.Stream, &c.PagingToken, &ledger, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", stream, err)
	}
	c.LedgerSeq = uint32(ledger)
	return &c, nil
}

// Advance moves the stream's cursor from prev to next. prev nil means "no
// cursor yet" and takes the insert path. A zero-row update or a conflicting
// insert means another writer got there first and fails with
// *model.ConcurrentAdvanceError; nothing is corrupted because data was
// already durable before this call (write-ahead ordering).
func (cs *CursorStore) Advance(ctx context.Context, stream string, prev *model.Cursor, next model.Cursor) error {
	if prev != nil && next.LedgerSeq < prev.LedgerSeq {
		return fmt.Errorf("cursor for %s would regress: ledger %d -> %d", stream, prev.LedgerSeq, next.LedgerSeq)
	}

	now := time.Now().UTC()

	if prev == nil {
		res, err := cs.db.ExecContext(ctx, `
			INSERT INTO ingest_cursors (stream, paging_token, ledger_seq, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (stream) DO NOTHING
		`, stream, next.PagingToken, int64(next.LedgerSeq), now)
		if err != nil {
			return fmt.Errorf("insert cursor %s: %w", stream, err)
		}
		return cs.checkAdvanced(res, stream, "")
	}

	res, err := cs.db.ExecContext(ctx, `
		UPDATE ingest_cursors
		SET paging_token = $3, ledger_seq = $4, updated_at = $5
		WHERE stream = $1 AND paging_token = $2
	`, stream, prev.PagingToken, next.PagingToken, int64(next.LedgerSeq), now)
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", stream, err)
	}
	return cs.checkAdvanced(res, stream, prev.PagingToken)
}

// Reset clears a stream's cursor so the next cycle restarts from the
// upstream's earliest available point, and durably records that a resync is
// owed. Both happen in one transaction: a crash between the reset and the
// completed sweep leaves the marker behind, and the next process restarts
// the resync instead of serving the stale book as steady state.
func (cs *CursorStore) Reset(ctx context.Context, stream string) error {
	tx, err := cs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset cursor %s: %w", stream, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ingest_cursors WHERE stream = $1`, stream,
	); err != nil {
		return fmt.Errorf("reset cursor %s: %w", stream, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_resyncs (stream, requested_at)
		VALUES ($1, $2)
		ON CONFLICT (stream) DO UPDATE SET requested_at = EXCLUDED.requested_at
	`, stream, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark resync %s: %w", stream, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset cursor %s: %w", stream, err)
	}
	return nil
}

// ResyncPending reports whether the stream owes a resync that has not swept
// to completion yet.
func (cs *CursorStore) ResyncPending(ctx context.Context, stream string) (bool, error) {
	var one int
	err := cs.db.QueryRowContext(ctx,
		`SELECT 1 FROM stream_resyncs WHERE stream = $1`, stream,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check resync %s: %w", stream, err)
	}
	return true, nil
}

// ClearResync discharges the stream's resync obligation. Called only once
// the sweep's removals are durable.
func (cs *CursorStore) ClearResync(ctx context.Context, stream string) error {
	_, err := cs.db.ExecContext(ctx,
		`DELETE FROM stream_resyncs WHERE stream = $1`, stream,
	)
	if err != nil {
		return fmt.Errorf("clear resync %s: %w", stream, err)
	}
	return nil
}

func (cs *CursorStore) checkAdvanced(res sql.Result, stream, expected string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cursor advance %s: %w", stream, err)
	}
	if n == 0 {
		return &model.ConcurrentAdvanceError{Stream: stream, Expected: expected}
	}
	return nil
}
