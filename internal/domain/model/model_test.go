package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() StreamKey {
	return StreamKey{SourceID: "SIM", Symbol: "BTC-USD", Interval: "1s"}
}

func candles(n int) []Candle {
	out := make([]Candle, n)
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := range out {
		out[i] = Candle{TS: base.Add(time.Duration(i) * time.Second), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	}
	return out
}

func TestStreamKeyRoundTrip(t *testing.T) {
	key := testKey()
	parsed, err := ParseStreamKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
	assert.Equal(t, "candles.SIM.BTC-USD.1s", key.Topic())
}

func TestStreamKeyValidate(t *testing.T) {
	assert.NoError(t, testKey().Validate())
	assert.Error(t, StreamKey{Symbol: "BTC-USD", Interval: "1s"}.Validate())
	assert.Error(t, StreamKey{SourceID: "SIM", Interval: "1s"}.Validate())
	assert.Error(t, StreamKey{SourceID: "SIM", Symbol: "BTC-USD", Interval: "1x"}.Validate())
	assert.Error(t, StreamKey{SourceID: "SIM", Symbol: "BTC-USD", Interval: "0s"}.Validate())
}

func TestIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1s": time.Second,
		"5m": 5 * time.Minute,
		"1h": time.Hour,
		"1d": 24 * time.Hour,
	}
	for interval, want := range cases {
		key := StreamKey{SourceID: "SIM", Symbol: "X", Interval: interval}
		got, err := key.IntervalDuration()
		require.NoError(t, err, interval)
		assert.Equal(t, want, got, interval)
	}
}

func TestNewBatchAssignsContiguousSequences(t *testing.T) {
	b := NewBatch(testKey(), SourceBackfill, 101, candles(5))
	require.NoError(t, b.Validate())
	assert.Equal(t, uint64(101), b.StartSequence)
	assert.Equal(t, uint64(105), b.EndSequence)
	assert.Len(t, b.Points, 5)
	assert.Equal(t, uint64(103), b.Points[2].Sequence)
}

func TestBatchValidateRejectsMalformed(t *testing.T) {
	key := testKey()

	empty := Batch{Key: key, StartSequence: 1, Source: SourceLive}
	assert.ErrorIs(t, empty.Validate(), ErrMalformedBatch)

	b := NewBatch(key, SourceLive, 10, candles(3))
	b.Points[1].Sequence = 99
	assert.ErrorIs(t, b.Validate(), ErrMalformedBatch)

	b = NewBatch(key, SourceLive, 10, candles(3))
	b.EndSequence = 20
	assert.ErrorIs(t, b.Validate(), ErrMalformedBatch)

	b = NewBatch(key, SourceLive, 10, candles(3))
	b.StartSequence = 9
	assert.ErrorIs(t, b.Validate(), ErrMalformedBatch)

	zero := NewBatch(key, SourceLive, 0, candles(1))
	assert.True(t, errors.Is(zero.Validate(), ErrMalformedBatch))
}

func TestBatchTrimThrough(t *testing.T) {
	b := NewBatch(testKey(), SourceLive, 100, candles(11)) // 100..110

	trimmed, ok := b.TrimThrough(104)
	require.True(t, ok)
	assert.Equal(t, uint64(105), trimmed.StartSequence)
	assert.Equal(t, uint64(110), trimmed.EndSequence)
	assert.Len(t, trimmed.Points, 6)
	require.NoError(t, trimmed.Validate())

	// Everything already applied.
	_, ok = b.TrimThrough(110)
	assert.False(t, ok)
	_, ok = b.TrimThrough(200)
	assert.False(t, ok)

	// Nothing applied yet: batch passes through unchanged.
	same, ok := b.TrimThrough(50)
	require.True(t, ok)
	assert.Equal(t, b, same)
}

func TestCursorNextSequence(t *testing.T) {
	var nilCursor *Cursor
	assert.Equal(t, uint64(1), nilCursor.NextSequence())

	c := &Cursor{Key: testKey(), LastAppliedSequence: 42}
	assert.Equal(t, uint64(43), c.NextSequence())
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseFaulted.Terminal())
	for _, p := range []Phase{PhaseDisconnected, PhaseConnecting, PhaseCatchingUp, PhaseLive, PhaseGapRepair} {
		assert.False(t, p.Terminal(), p.String())
	}
}
