package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/fluxsync/internal/retry"
)

func TestBreaker_OpensAfterTransientFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Minute})
	transient := retry.Transient(errors.New("upstream unavailable"))

	for i := 0; i < 3; i++ {
		err := b.Do(context.Background(), func(context.Context) error { return transient })
		require.ErrorIs(t, err, transient)
	}
	assert.Equal(t, StateOpen, b.CurrentState())

	err := b.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_TerminalErrorsDoNotTrip(t *testing.T) {
	b := New(Config{FailureThreshold: 2, OpenTimeout: time.Minute})
	terminal := retry.Terminal(errors.New("bad request"))

	for i := 0; i < 10; i++ {
		err := b.Do(context.Background(), func(context.Context) error { return terminal })
		require.ErrorIs(t, err, terminal)
	}
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	var transitions []State
	b := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      time.Second,
		OnStateChange:    func(_, to State) { transitions = append(transitions, to) },
	})
	clock := time.Unix(0, 0)
	b.now = func() time.Time { return clock }

	err := b.Do(context.Background(), func(context.Context) error {
		return retry.Transient(errors.New("connection refused"))
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.CurrentState())

	// Open timeout elapses: next call probes.
	clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateHalfOpen, b.CurrentState())

	// Second success closes the circuit.
	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.CurrentState())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Second})
	clock := time.Unix(0, 0)
	b.now = func() time.Time { return clock }

	_ = b.Do(context.Background(), func(context.Context) error {
		return retry.Transient(errors.New("timeout"))
	})
	clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.CurrentState())

	_ = b.Do(context.Background(), func(context.Context) error {
		return retry.Transient(errors.New("timeout"))
	})
	assert.Equal(t, StateOpen, b.CurrentState())
}
