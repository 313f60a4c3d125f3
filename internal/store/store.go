// Package store defines the durable persistence contracts of the sync
// engine: the per-stream cursor and the local candle timeline.
package store

import (
	"context"
	"errors"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

// ErrStaleWrite is returned when a cursor advance loses a compare-and-set
// race, meaning another writer moved the cursor since it was loaded. The
// engine treats this as a fatal invariant violation for the stream: two
// writers on one stream is a deployment error, not a transient condition.
var ErrStaleWrite = errors.New("stale cursor write")

// CursorRepository persists the per-stream high-water mark.
type CursorRepository interface {
	// Load returns the cursor for key, or nil when the stream has never
	// applied a batch.
	Load(ctx context.Context, key model.StreamKey) (*model.Cursor, error)

	// Advance moves the cursor forward with a compare-and-set guard:
	// the stored LastAppliedSequence must equal expectedPrev (0 for a
	// stream with no cursor yet) and the new sequence must exceed it.
	// Returns ErrStaleWrite on a lost race or an attempted regression.
	Advance(ctx context.Context, cursor model.Cursor, expectedPrev uint64) error

	// Reset forces the cursor to seq, discarding the guard. seq 0 deletes
	// the cursor so the stream replays from the beginning. Operator use only.
	Reset(ctx context.Context, key model.StreamKey, seq uint64) error
}

// TimelineRepository persists the reconciled candle timeline. Appends are
// idempotent per (key, sequence) so replays after a crash between timeline
// write and cursor advance are harmless.
type TimelineRepository interface {
	AppendCandles(ctx context.Context, key model.StreamKey, points []model.DataPoint) error

	// LoadCandles returns points with fromSeq <= sequence <= toSeq in
	// ascending sequence order. toSeq 0 means no upper bound.
	LoadCandles(ctx context.Context, key model.StreamKey, fromSeq, toSeq uint64) ([]model.DataPoint, error)

	// LatestSequence returns the highest stored sequence for key, 0 when empty.
	LatestSequence(ctx context.Context, key model.StreamKey) (uint64, error)
}
