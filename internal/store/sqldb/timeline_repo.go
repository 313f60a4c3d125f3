package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

type TimelineRepo struct {
	db *DB
}

func NewTimelineRepo(db *DB) *TimelineRepo {
	return &TimelineRepo{db: db}
}

// AppendCandles upserts points keyed by (stream, sequence). Re-applying a
// batch after a crash between timeline write and cursor advance overwrites
// identical rows and is harmless.
func (r *TimelineRepo) AppendCandles(ctx context.Context, key model.StreamKey, points []model.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.db.rebind(`
		INSERT INTO candles (source_id, symbol, interval, sequence, event_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, symbol, interval, sequence) DO UPDATE SET
			event_time = EXCLUDED.event_time,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`))
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			key.SourceID, key.Symbol, key.Interval,
			int64(p.Sequence), p.EventTime.UTC(),
			p.Candle.Open, p.Candle.High, p.Candle.Low, p.Candle.Close, p.Candle.Volume,
		); err != nil {
			return fmt.Errorf("append candle seq %d: %w", p.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (r *TimelineRepo) LoadCandles(ctx context.Context, key model.StreamKey, fromSeq, toSeq uint64) ([]model.DataPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	query := `
		SELECT sequence, event_time, open, high, low, close, volume
		FROM candles
		WHERE source_id = ? AND symbol = ? AND interval = ? AND sequence >= ?`
	args := []any{key.SourceID, key.Symbol, key.Interval, int64(fromSeq)}
	if toSeq != 0 {
		query += " AND sequence <= ?"
		args = append(args, int64(toSeq))
	}
	query += " ORDER BY sequence ASC"

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("load candles: %w", err)
	}
	defer rows.Close()

	var out []model.DataPoint
	for rows.Next() {
		var p model.DataPoint
		var seq int64
		if err := rows.Scan(&seq, &p.EventTime,
			&p.Candle.Open, &p.Candle.High, &p.Candle.Low, &p.Candle.Close, &p.Candle.Volume,
		); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		p.Sequence = uint64(seq)
		p.Candle.TS = p.EventTime
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}
	return out, nil
}

func (r *TimelineRepo) LatestSequence(ctx context.Context, key model.StreamKey) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT MAX(sequence) FROM candles
		WHERE source_id = ? AND symbol = ? AND interval = ?
	`), key.SourceID, key.Symbol, key.Interval).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
