package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/store"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Load(ctx context.Context, key model.StreamKey) (*model.Cursor, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	c := model.Cursor{Key: key}
	err := r.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT last_applied_sequence, last_applied_event_time, updated_at
		FROM stream_cursors
		WHERE source_id = ? AND symbol = ? AND interval = ?
	`), key.SourceID, key.Symbol, key.Interval).Scan(
		&c.LastAppliedSequence, &c.LastAppliedEventTime, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	return &c, nil
}

func (r *CursorRepo) Advance(ctx context.Context, cursor model.Cursor, expectedPrev uint64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	// The cursor only moves forward; a regression is a stale write even
	// when the CAS guard matches.
	if cursor.LastAppliedSequence <= expectedPrev {
		return store.ErrStaleWrite
	}

	key := cursor.Key
	now := time.Now().UTC()

	if expectedPrev == 0 {
		// First advance for the stream. The conflict guard catches a
		// concurrent writer that created the row since our Load.
		res, err := r.db.ExecContext(ctx, r.db.rebind(`
			INSERT INTO stream_cursors (source_id, symbol, interval, last_applied_sequence, last_applied_event_time, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_id, symbol, interval) DO NOTHING
		`), key.SourceID, key.Symbol, key.Interval,
			int64(cursor.LastAppliedSequence), cursor.LastAppliedEventTime.UTC(), now)
		if err != nil {
			return fmt.Errorf("insert cursor: %w", err)
		}
		return staleUnlessOneRow(res)
	}

	res, err := r.db.ExecContext(ctx, r.db.rebind(`
		UPDATE stream_cursors SET
			last_applied_sequence = ?,
			last_applied_event_time = ?,
			updated_at = ?
		WHERE source_id = ? AND symbol = ? AND interval = ?
		  AND last_applied_sequence = ?
		  AND last_applied_sequence < ?
	`), int64(cursor.LastAppliedSequence), cursor.LastAppliedEventTime.UTC(), now,
		key.SourceID, key.Symbol, key.Interval, int64(expectedPrev), int64(cursor.LastAppliedSequence))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return staleUnlessOneRow(res)
}

func (r *CursorRepo) Reset(ctx context.Context, key model.StreamKey, seq uint64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if seq == 0 {
		_, err := r.db.ExecContext(ctx, r.db.rebind(`
			DELETE FROM stream_cursors
			WHERE source_id = ? AND symbol = ? AND interval = ?
		`), key.SourceID, key.Symbol, key.Interval)
		if err != nil {
			return fmt.Errorf("delete cursor: %w", err)
		}
		return nil
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO stream_cursors (source_id, symbol, interval, last_applied_sequence, last_applied_event_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, symbol, interval) DO UPDATE SET
			last_applied_sequence = EXCLUDED.last_applied_sequence,
			last_applied_event_time = EXCLUDED.last_applied_event_time,
			updated_at = EXCLUDED.updated_at
	`), key.SourceID, key.Symbol, key.Interval, int64(seq), now, now)
	if err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	return nil
}

func staleUnlessOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrStaleWrite
	}
	return nil
}
