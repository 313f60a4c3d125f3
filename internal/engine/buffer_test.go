package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

func bufBatch(start, end uint64) model.Batch {
	return seqBatch(engKey(), model.SourceLive, start, end)
}

func TestLiveBufferFIFO(t *testing.T) {
	buf := newLiveBuffer(4)

	assert.Nil(t, buf.push(bufBatch(1, 1)))
	assert.Nil(t, buf.push(bufBatch(2, 2)))
	assert.Equal(t, 2, buf.len())

	first, ok := buf.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), first.StartSequence)

	second, ok := buf.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), second.StartSequence)

	_, ok = buf.pop()
	assert.False(t, ok)
}

func TestLiveBufferDropsOldestOnOverflow(t *testing.T) {
	buf := newLiveBuffer(2)

	assert.Nil(t, buf.push(bufBatch(1, 1)))
	assert.Nil(t, buf.push(bufBatch(2, 2)))

	evicted := buf.push(bufBatch(3, 3))
	require.NotNil(t, evicted)
	assert.Equal(t, uint64(1), evicted.StartSequence)
	assert.Equal(t, 2, buf.len())
	assert.Equal(t, uint64(1), buf.droppedCount())

	got, ok := buf.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.StartSequence)
}

func TestLiveBufferUnpopRestoresFront(t *testing.T) {
	buf := newLiveBuffer(4)
	buf.push(bufBatch(5, 5))
	buf.push(bufBatch(6, 6))

	got, ok := buf.pop()
	require.True(t, ok)
	buf.unpop(got)

	again, ok := buf.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(5), again.StartSequence)
}

func TestLiveBufferNotifyCoalesces(t *testing.T) {
	buf := newLiveBuffer(8)
	for i := uint64(1); i <= 5; i++ {
		buf.push(bufBatch(i, i))
	}

	// Multiple pushes leave at most one pending wakeup.
	<-buf.notify
	select {
	case <-buf.notify:
		t.Fatal("expected a single coalesced notification")
	default:
	}
}

func TestLiveBufferClear(t *testing.T) {
	buf := newLiveBuffer(4)
	buf.push(bufBatch(1, 1))
	buf.push(bufBatch(2, 2))

	buf.clear()
	assert.Equal(t, 0, buf.len())
	_, ok := buf.pop()
	assert.False(t, ok)
}
