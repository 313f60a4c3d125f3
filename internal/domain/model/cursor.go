package model

import "time"

// Cursor is the durable high-water mark of what has been applied to the
// downstream timeline for one stream. It is created on first successful
// apply, advanced only by the engine after a batch is fully applied, and
// never rolled back except by explicit operator reset.
type Cursor struct {
	Key                  StreamKey `json:"key"`
	LastAppliedSequence  uint64    `json:"last_applied_sequence"`
	LastAppliedEventTime time.Time `json:"last_applied_event_time"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// NextSequence is the first sequence not yet applied.
func (c *Cursor) NextSequence() uint64 {
	if c == nil {
		return 1
	}
	return c.LastAppliedSequence + 1
}

// Watermark is a point-in-time observation of the upstream's latest
// sequence. It is never persisted; staleness is expected. It bounds a
// catch-up backfill and is never used to gate correctness.
type Watermark struct {
	Key             StreamKey `json:"key"`
	LatestSequence  uint64    `json:"latest_sequence"`
	LatestEventTime time.Time `json:"latest_event_time"`
	ObservedAt      time.Time `json:"observed_at"`
}
