package engine

import (
	"sync"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

// liveBuffer holds live batches that arrived while the worker was busy
// (catching up, repairing a gap, or applying). It is bounded; on overflow
// the oldest batch is dropped and the count is surfaced to the caller, who
// relies on the post-drain gap check to restore correctness.
type liveBuffer struct {
	mu       sync.Mutex
	items    []model.Batch
	capacity int
	dropped  uint64

	// notify carries at most one pending wakeup.
	notify chan struct{}
}

func newLiveBuffer(capacity int) *liveBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &liveBuffer{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push appends a batch, dropping the oldest on overflow. Returns the
// dropped batch, if any, so the caller can log and count it.
func (b *liveBuffer) push(batch model.Batch) *model.Batch {
	b.mu.Lock()
	var evicted *model.Batch
	if len(b.items) >= b.capacity {
		old := b.items[0]
		evicted = &old
		b.items = b.items[1:]
		b.dropped++
	}
	b.items = append(b.items, batch)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return evicted
}

// pop removes the oldest buffered batch.
func (b *liveBuffer) pop() (model.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return model.Batch{}, false
	}
	batch := b.items[0]
	b.items = b.items[1:]
	return batch, true
}

// unpop puts a batch back at the front, for drains that must stop at a gap.
func (b *liveBuffer) unpop(batch model.Batch) {
	b.mu.Lock()
	b.items = append([]model.Batch{batch}, b.items...)
	b.mu.Unlock()
}

func (b *liveBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *liveBuffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *liveBuffer) clear() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}
