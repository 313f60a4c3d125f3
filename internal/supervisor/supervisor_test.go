package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/engine"
	"github.com/fluxhq/fluxsync/internal/feed"
	"github.com/fluxhq/fluxsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func supKey() model.StreamKey {
	return model.StreamKey{SourceID: "SIM", Symbol: "ETH-USD", Interval: "1m"}
}

func liveBatch(start, end uint64) model.Batch {
	candles := make([]model.Candle, 0, end-start+1)
	for seq := start; seq <= end; seq++ {
		candles = append(candles, model.Candle{
			TS:    time.Unix(int64(seq), 0).UTC(),
			Close: float64(seq),
		})
	}
	return model.NewBatch(supKey(), model.SourceLive, start, candles)
}

// scriptedSource replays one session script per Connect call: emit the
// scripted batches, optionally hold the connection open, then fail the read
// with the scripted error. When the scripts run out, Connect fails until
// the context is cancelled.
type sessionScript struct {
	batches  []model.Batch
	holdOpen time.Duration
	readErr  error
}

type scriptedSource struct {
	mu           sync.Mutex
	sessions     []sessionScript
	connects     int
	connectTimes []time.Time
	current      *sessionScript
}

func (s *scriptedSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	s.connectTimes = append(s.connectTimes, time.Now())
	if len(s.sessions) == 0 {
		return fmt.Errorf("%w: no upstream", feed.ErrUnavailable)
	}
	s.current = &s.sessions[0]
	s.sessions = s.sessions[1:]
	return nil
}

func (s *scriptedSource) Read(ctx context.Context, _ func(error)) (<-chan model.Batch, <-chan error) {
	s.mu.Lock()
	session := s.current
	s.mu.Unlock()

	batches := make(chan model.Batch, len(session.batches))
	errs := make(chan error, 1)
	go func() {
		defer close(batches)
		for _, b := range session.batches {
			select {
			case batches <- b:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if session.holdOpen > 0 {
			select {
			case <-time.After(session.holdOpen):
			case <-ctx.Done():
			}
		}
		errs <- session.readErr
	}()
	return batches, errs
}

func (s *scriptedSource) Close() error { return nil }

func (s *scriptedSource) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *scriptedSource) connectTimesSnapshot() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.connectTimes))
	copy(out, s.connectTimes)
	return out
}

// scriptedWatermarks returns a fixed latest sequence, or an error.
type scriptedWatermarks struct {
	latest uint64
	err    error
}

func (f *scriptedWatermarks) Fetch(_ context.Context, key model.StreamKey) (model.Watermark, error) {
	if f.err != nil {
		return model.Watermark{}, f.err
	}
	return model.Watermark{Key: key, LatestSequence: f.latest, ObservedAt: time.Now()}, nil
}

// histBackfiller serves 1..total, same shape as the upstream range endpoint.
type histBackfiller struct {
	mu    sync.Mutex
	total uint64
}

func (h *histBackfiller) FetchRange(ctx context.Context, key model.StreamKey, fromExclusive, target uint64, apply func(model.Batch) error) error {
	h.mu.Lock()
	total := h.total
	h.mu.Unlock()

	start := fromExclusive + 1
	end := total
	if target != 0 && target < end {
		end = target
	}
	if start > end {
		return nil
	}
	candles := make([]model.Candle, 0, end-start+1)
	for seq := start; seq <= end; seq++ {
		candles = append(candles, model.Candle{TS: time.Unix(int64(seq), 0).UTC(), Close: float64(seq)})
	}
	return apply(model.NewBatch(key, model.SourceBackfill, start, candles))
}

type supervisorFixture struct {
	eng        *engine.Engine
	mem        *store.Memory
	backfiller *histBackfiller
	source     *scriptedSource
	watermarks *scriptedWatermarks
	sup        *Supervisor
}

func newSupervisorFixture(t *testing.T, engOpts ...engine.Option) *supervisorFixture {
	t.Helper()
	f := &supervisorFixture{
		mem:        store.NewMemory(),
		backfiller: &histBackfiller{},
		source:     &scriptedSource{},
		watermarks: &scriptedWatermarks{},
	}
	base := []engine.Option{engine.WithRepairBackoff(time.Millisecond, 5*time.Millisecond)}
	f.eng = engine.New(f.mem, f.mem, f.backfiller, testLogger(), append(base, engOpts...)...)
	t.Cleanup(f.eng.Close)

	f.sup = New(f.eng,
		func(model.StreamKey) LiveSource { return f.source },
		f.watermarks,
		testLogger(),
		WithBackoff(time.Millisecond, 5*time.Millisecond))
	return f
}

func (f *supervisorFixture) waitForCursor(t *testing.T, key model.StreamKey, seq uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := f.eng.Status(key)
		return err == nil && status.LastAppliedSequence == seq
	}, 5*time.Second, 5*time.Millisecond, "cursor never reached %d", seq)
}

func TestSupervisorCatchUpThenLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := supKey()

	f := newSupervisorFixture(t)
	f.backfiller.total = 5
	f.watermarks.latest = 5
	f.source.sessions = []sessionScript{
		{batches: []model.Batch{liveBatch(6, 6), liveBatch(7, 8)}, readErr: errors.New("connection reset")},
	}

	require.NoError(t, f.eng.Subscribe(ctx, key))

	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx, []model.StreamKey{key}) }()

	f.waitForCursor(t, key, 8)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	points, err := f.mem.LoadCandles(ctx, key, 1, 0)
	require.NoError(t, err)
	assert.Len(t, points, 8)
}

func TestSupervisorReconnectsAfterReadError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := supKey()

	f := newSupervisorFixture(t)
	f.backfiller.total = 2
	f.watermarks.latest = 2
	f.source.sessions = []sessionScript{
		{batches: []model.Batch{liveBatch(3, 3)}, readErr: errors.New("connection reset")},
		{batches: []model.Batch{liveBatch(4, 4)}, readErr: errors.New("connection reset")},
	}

	require.NoError(t, f.eng.Subscribe(ctx, key))

	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx, []model.StreamKey{key}) }()

	f.waitForCursor(t, key, 4)
	cancel()
	<-done

	assert.GreaterOrEqual(t, f.source.connectCount(), 2)
}

func TestSupervisorWatermarkFailureFallsBackToLiveSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := supKey()

	f := newSupervisorFixture(t)
	f.backfiller.total = 7
	f.watermarks.err = errors.New("watermark endpoint down")
	f.source.sessions = []sessionScript{
		{batches: nil, readErr: errors.New("connection reset")},
	}

	require.NoError(t, f.eng.Subscribe(ctx, key))

	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx, []model.StreamKey{key}) }()

	// With no watermark the catch-up pages history until exhausted.
	f.waitForCursor(t, key, 7)
	cancel()
	<-done
}

func TestSupervisorDoesNotReconnectFaultedStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := supKey()

	f := newSupervisorFixture(t, engine.WithMaxRepairRounds(1))
	f.backfiller.total = 5

	require.NoError(t, f.eng.Subscribe(ctx, key))
	require.NoError(t, f.eng.CatchUp(ctx, key, 5))

	// Fault the stream: live jumps to 20 and the history never fills in.
	require.NoError(t, f.eng.OfferLive(key, liveBatch(20, 20)))
	require.Eventually(t, func() bool {
		phase, err := f.eng.Phase(key)
		return err == nil && phase == model.PhaseFaulted
	}, 5*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx, []model.StreamKey{key}) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.Zero(t, f.source.connectCount(), "faulted stream must wait for an operator reset")
}

func TestSupervisorBackoffResetsAfterHealthySession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := supKey()

	mem := store.NewMemory()
	source := &scriptedSource{}
	eng := engine.New(mem, mem, &histBackfiller{}, testLogger())
	t.Cleanup(eng.Close)

	// Eight short sessions drive the backoff to its ceiling, then one
	// session outlives the healthy-reset window before dropping.
	failing := make([]sessionScript, 8)
	for i := range failing {
		failing[i] = sessionScript{readErr: errors.New("connection reset")}
	}
	source.sessions = append(failing, sessionScript{
		holdOpen: 120 * time.Millisecond,
		readErr:  errors.New("connection reset"),
	})

	sup := New(eng,
		func(model.StreamKey) LiveSource { return source },
		&scriptedWatermarks{},
		testLogger(),
		WithBackoff(5*time.Millisecond, 200*time.Millisecond),
		WithHealthyReset(50*time.Millisecond))

	require.NoError(t, eng.Subscribe(ctx, key))

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, []model.StreamKey{key}) }()

	require.Eventually(t, func() bool {
		return source.connectCount() >= 10
	}, 10*time.Second, time.Millisecond, "supervisor never reconnected after the healthy session")
	cancel()
	<-done

	times := source.connectTimesSnapshot()
	require.GreaterOrEqual(t, len(times), 10)

	// Connect 9 ran the long healthy session; the gap before connect 10 is
	// that session plus the post-session backoff. Without the reset the
	// backoff alone would be at least half the 200ms ceiling.
	delay := times[9].Sub(times[8]) - 120*time.Millisecond
	assert.Less(t, delay, 80*time.Millisecond,
		"reconnect after a healthy session should back off from base, got %s", delay)
}
