package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

// HealthStatus represents the health state of a stream.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusInactive  HealthStatus = "INACTIVE"

	// DefaultUnhealthyThreshold is the number of consecutive failures
	// before a stream is considered unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 apply latency threshold
	// before a stream is considered degraded.
	DefaultDegradedLatencyThreshold = 5 * time.Second

	// latencyWindowSize is the number of recent latencies tracked.
	latencyWindowSize = 10
)

// StreamHealth tracks the health state of a single stream worker.
type StreamHealth struct {
	mu sync.RWMutex

	key                      model.StreamKey
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            time.Time
	lastFailureAt            time.Time
	unhealthyThreshold       int
	degradedLatencyThreshold time.Duration
	window                   []time.Duration
}

// NewStreamHealth creates a new health tracker for the given stream.
func NewStreamHealth(key model.StreamKey) *StreamHealth {
	return &StreamHealth{
		key:                      key,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		window:                   make([]time.Duration, 0, latencyWindowSize),
	}
}

// SetStatus sets the health status directly.
func (h *StreamHealth) SetStatus(status HealthStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

// markSuccess resets the failure streak and recomputes status. Must be
// called with mu held. Returns the status the stream held before.
func (h *StreamHealth) markSuccess() HealthStatus {
	prev := h.status
	h.consecutiveFailures = 0
	h.lastSuccessAt = time.Now()
	if h.p95() > h.degradedLatencyThreshold {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return prev
}

// RecordSuccess records a successful apply or connect cycle.
func (h *StreamHealth) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markSuccess()
}

// RecordSuccessWithRecovery records a success and returns true if it
// represents a recovery from an unhealthy state.
func (h *StreamHealth) RecordSuccessWithRecovery() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.markSuccess() == HealthStatusUnhealthy
}

// RecordLatency records an apply latency and updates degraded state.
func (h *StreamHealth) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.window) == latencyWindowSize {
		copy(h.window, h.window[1:])
		h.window[latencyWindowSize-1] = d
	} else {
		h.window = append(h.window, d)
	}

	switch h.status {
	case HealthStatusHealthy:
		if h.p95() > h.degradedLatencyThreshold {
			h.status = HealthStatusDegraded
		}
	case HealthStatusDegraded:
		if h.p95() <= h.degradedLatencyThreshold && h.consecutiveFailures == 0 {
			h.status = HealthStatusHealthy
		}
	}
}

// p95 computes the 95th-percentile latency over the window. A window with
// fewer than two samples never degrades. Must be called with mu held.
func (h *StreamHealth) p95() time.Duration {
	n := len(h.window)
	if n < 2 {
		return 0
	}
	sorted := slices.Clone(h.window)
	slices.Sort(sorted)
	idx := (95*n - 1) / 100
	return sorted[min(idx, n-1)]
}

// RecordFailure records a failure. Returns true if the stream transitioned
// to unhealthy on this call.
func (h *StreamHealth) RecordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	h.lastFailureAt = time.Now()
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// ConsecutiveFailures returns the current failure streak.
func (h *StreamHealth) ConsecutiveFailures() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.consecutiveFailures
}

// Snapshot returns the current health state.
func (h *StreamHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap := HealthSnapshot{
		Stream:              h.key.String(),
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
	}
	if !h.lastSuccessAt.IsZero() {
		t := h.lastSuccessAt
		snap.LastSuccessAt = &t
	}
	if !h.lastFailureAt.IsZero() {
		t := h.lastFailureAt
		snap.LastFailureAt = &t
	}
	return snap
}

// HealthSnapshot is a point-in-time view of stream health (JSON-safe).
type HealthSnapshot struct {
	Stream              string     `json:"stream"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
