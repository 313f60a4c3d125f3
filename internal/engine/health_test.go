package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamHealthInitialState(t *testing.T) {
	h := NewStreamHealth(engKey())
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnknown), snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Nil(t, snap.LastSuccessAt)
}

func TestStreamHealthSuccessResetsFailures(t *testing.T) {
	h := NewStreamHealth(engKey())
	h.RecordFailure()
	h.RecordFailure()
	assert.Equal(t, 2, h.ConsecutiveFailures())

	h.RecordSuccess()
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.NotNil(t, snap.LastSuccessAt)
}

func TestStreamHealthUnhealthyAfterThreshold(t *testing.T) {
	h := NewStreamHealth(engKey())

	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		assert.False(t, h.RecordFailure(), "failure %d must not trip the threshold", i+1)
	}
	assert.True(t, h.RecordFailure(), "crossing the threshold reports the transition once")
	assert.False(t, h.RecordFailure(), "further failures stay unhealthy without re-reporting")

	assert.Equal(t, string(HealthStatusUnhealthy), h.Snapshot().Status)
}

func TestStreamHealthRecoveryDetection(t *testing.T) {
	h := NewStreamHealth(engKey())

	assert.False(t, h.RecordSuccessWithRecovery(), "success without prior unhealthy is not a recovery")

	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		h.RecordFailure()
	}
	assert.True(t, h.RecordSuccessWithRecovery())
	assert.False(t, h.RecordSuccessWithRecovery(), "recovery reports once")
}

func TestStreamHealthDegradedOnSlowApplies(t *testing.T) {
	h := NewStreamHealth(engKey())
	h.RecordSuccess()

	for i := 0; i < latencyWindowSize; i++ {
		h.RecordLatency(DefaultDegradedLatencyThreshold + time.Second)
	}
	assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)

	// Fast applies push the window back under the threshold.
	for i := 0; i < latencyWindowSize; i++ {
		h.RecordLatency(time.Millisecond)
	}
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
}
