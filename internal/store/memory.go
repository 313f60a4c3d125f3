package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

// Memory is an in-process CursorRepository and TimelineRepository. It backs
// the dev simulator and tests; production deployments use the sqldb package.
type Memory struct {
	mu       sync.RWMutex
	cursors  map[model.StreamKey]model.Cursor
	timeline map[model.StreamKey]map[uint64]model.DataPoint
}

func NewMemory() *Memory {
	return &Memory{
		cursors:  make(map[model.StreamKey]model.Cursor),
		timeline: make(map[model.StreamKey]map[uint64]model.DataPoint),
	}
}

func (m *Memory) Load(_ context.Context, key model.StreamKey) (*model.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[key]
	if !ok {
		return nil, nil
	}
	out := c
	return &out, nil
}

func (m *Memory) Advance(_ context.Context, cursor model.Cursor, expectedPrev uint64) error {
	// The cursor only moves forward; a regression is a stale write even
	// when the CAS guard matches.
	if cursor.LastAppliedSequence <= expectedPrev {
		return ErrStaleWrite
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.cursors[cursor.Key]
	if !ok {
		if expectedPrev != 0 {
			return ErrStaleWrite
		}
	} else if current.LastAppliedSequence != expectedPrev {
		return ErrStaleWrite
	}
	cursor.UpdatedAt = time.Now().UTC()
	m.cursors[cursor.Key] = cursor
	return nil
}

func (m *Memory) Reset(_ context.Context, key model.StreamKey, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq == 0 {
		delete(m.cursors, key)
		return nil
	}
	m.cursors[key] = model.Cursor{Key: key, LastAppliedSequence: seq, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) AppendCandles(_ context.Context, key model.StreamKey, points []model.DataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.timeline[key]
	if !ok {
		byKey = make(map[uint64]model.DataPoint)
		m.timeline[key] = byKey
	}
	for _, p := range points {
		byKey[p.Sequence] = p
	}
	return nil
}

func (m *Memory) LoadCandles(_ context.Context, key model.StreamKey, fromSeq, toSeq uint64) ([]model.DataPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.DataPoint
	for seq, p := range m.timeline[key] {
		if seq < fromSeq {
			continue
		}
		if toSeq != 0 && seq > toSeq {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) LatestSequence(_ context.Context, key model.StreamKey) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for seq := range m.timeline[key] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}
