package model

import (
	"errors"
	"fmt"
	"time"
)

// Source tags which delivery path produced a batch. Live and backfill race
// against each other; a single arbitration rule in the engine merges them.
type Source string

const (
	SourceLive     Source = "live"
	SourceBackfill Source = "backfill"
)

// ErrMalformedBatch marks a batch whose internal structure is inconsistent
// (empty, bounds mismatch, or a non-contiguous sequence run). Malformed
// batches are dropped without touching sequence bookkeeping.
var ErrMalformedBatch = errors.New("malformed batch")

// DataPoint is one sequenced candle. Sequences are assigned solely by the
// upstream authority; the engine only observes and stores them.
type DataPoint struct {
	Sequence  uint64    `json:"sequence"`
	EventTime time.Time `json:"event_time"`
	Candle    Candle    `json:"candle"`
}

// Batch is an ordered, non-empty run of data points from one delivery path.
type Batch struct {
	Key           StreamKey   `json:"key"`
	StartSequence uint64      `json:"start_sequence"`
	EndSequence   uint64      `json:"end_sequence"`
	Points        []DataPoint `json:"points"`
	Source        Source      `json:"source"`
}

// NewBatch builds a batch from a start sequence and candles, assigning
// contiguous sequences the way the upstream wire format does.
func NewBatch(key StreamKey, source Source, startSequence uint64, candles []Candle) Batch {
	points := make([]DataPoint, len(candles))
	for i, c := range candles {
		points[i] = DataPoint{
			Sequence:  startSequence + uint64(i),
			EventTime: c.TS,
			Candle:    c,
		}
	}
	b := Batch{
		Key:           key,
		StartSequence: startSequence,
		Points:        points,
		Source:        source,
	}
	if len(points) > 0 {
		b.EndSequence = points[len(points)-1].Sequence
	}
	return b
}

// Validate enforces strict internal contiguity: a batch must be non-empty,
// its bounds must match its points, and every point must follow its
// predecessor by exactly one. Any internal irregularity is treated as a
// decode failure; genuine discontinuities between batches are the gap
// machinery's job, never tolerated inside one batch.
func (b Batch) Validate() error {
	if len(b.Points) == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformedBatch)
	}
	if b.StartSequence == 0 {
		return fmt.Errorf("%w: zero start sequence", ErrMalformedBatch)
	}
	if b.Points[0].Sequence != b.StartSequence {
		return fmt.Errorf("%w: start bound %d != first point %d",
			ErrMalformedBatch, b.StartSequence, b.Points[0].Sequence)
	}
	for i := 1; i < len(b.Points); i++ {
		if b.Points[i].Sequence != b.Points[i-1].Sequence+1 {
			return fmt.Errorf("%w: internal gap at index %d (%d -> %d)",
				ErrMalformedBatch, i, b.Points[i-1].Sequence, b.Points[i].Sequence)
		}
	}
	if b.Points[len(b.Points)-1].Sequence != b.EndSequence {
		return fmt.Errorf("%w: end bound %d != last point %d",
			ErrMalformedBatch, b.EndSequence, b.Points[len(b.Points)-1].Sequence)
	}
	return nil
}

// TrimThrough drops every point with sequence <= seq and returns the
// remainder. The returned batch keeps the original key and source; bounds
// are recomputed. ok is false when nothing survives.
func (b Batch) TrimThrough(seq uint64) (Batch, bool) {
	if b.EndSequence <= seq {
		return Batch{}, false
	}
	if b.StartSequence > seq {
		return b, true
	}
	idx := int(seq - b.StartSequence + 1)
	trimmed := Batch{
		Key:           b.Key,
		StartSequence: b.Points[idx].Sequence,
		EndSequence:   b.EndSequence,
		Points:        b.Points[idx:],
		Source:        b.Source,
	}
	return trimmed, true
}
