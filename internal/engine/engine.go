// Package engine implements the reconciliation core: it merges the live
// push feed and the pull backfill into one ordered, deduplicated, durable
// timeline per stream, driving the per-stream protocol state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluxhq/fluxsync/internal/alert"
	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/store"
)

var (
	// ErrPersistentGap means gap repair exhausted its retry ceiling. The
	// stream is Faulted; skipping the gap automatically is never done.
	ErrPersistentGap = errors.New("persistent gap")

	// ErrUnknownStream is returned for operations on a key that was never
	// subscribed.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrStreamFaulted is returned for operations on a Faulted stream
	// before an operator reset.
	ErrStreamFaulted = errors.New("stream faulted")
)

// Backfiller pages historical ranges in sequence order. Implemented by
// feed.BackfillClient.
type Backfiller interface {
	FetchRange(ctx context.Context, key model.StreamKey, fromExclusive, target uint64, apply func(model.Batch) error) error
}

const (
	defaultLiveBufferCapacity = 1024
	defaultMaxRepairRounds    = 5
	defaultRepairBackoffBase  = 200 * time.Millisecond
	defaultRepairBackoffMax   = 5 * time.Second
)

type Option func(*Engine)

// WithLiveBufferCapacity bounds the per-stream buffer of live batches held
// during catch-up and gap repair.
func WithLiveBufferCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bufferCapacity = n
		}
	}
}

// WithMaxRepairRounds sets the retry ceiling for catch-up and gap repair
// rounds before the stream faults with ErrPersistentGap.
func WithMaxRepairRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRepairRounds = n
		}
	}
}

// WithRepairBackoff sets the exponential backoff bounds between repair rounds.
func WithRepairBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		if base > 0 {
			e.repairBackoffBase = base
		}
		if max > 0 {
			e.repairBackoffMax = max
		}
	}
}

// WithRetentionFallback enables resync-from-earliest-available when the
// upstream reports the requested range evicted. The skipped range is
// alerted as data loss. Disabled, the stream faults instead.
func WithRetentionFallback(enabled bool) Option {
	return func(e *Engine) { e.retentionFallback = enabled }
}

func WithAlerter(a alert.Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// WithAppliedHook registers a callback invoked after each batch lands in
// the timeline and the cursor advances. Used for fanout.
func WithAppliedHook(hook func(context.Context, model.Batch)) Option {
	return func(e *Engine) { e.appliedHook = hook }
}

// Engine owns all per-stream workers. Every apply for a given stream runs
// on that stream's worker goroutine, so the single arbitration rule is
// enforced without locking around the store.
type Engine struct {
	cursors    store.CursorRepository
	timeline   store.TimelineRepository
	backfiller Backfiller
	logger     *slog.Logger
	alerter    alert.Alerter

	appliedHook       func(context.Context, model.Batch)
	bufferCapacity    int
	maxRepairRounds   int
	repairBackoffBase time.Duration
	repairBackoffMax  time.Duration
	retentionFallback bool

	mu      sync.RWMutex
	workers map[model.StreamKey]*streamWorker
	wg      sync.WaitGroup
}

func New(cursors store.CursorRepository, timeline store.TimelineRepository, backfiller Backfiller, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cursors:           cursors,
		timeline:          timeline,
		backfiller:        backfiller,
		logger:            logger.With("component", "engine"),
		alerter:           &alert.NoopAlerter{},
		bufferCapacity:    defaultLiveBufferCapacity,
		maxRepairRounds:   defaultMaxRepairRounds,
		repairBackoffBase: defaultRepairBackoffBase,
		repairBackoffMax:  defaultRepairBackoffMax,
		workers:           make(map[model.StreamKey]*streamWorker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe loads the stream's persisted cursor and starts its worker.
// The worker runs until ctx is done or Unsubscribe is called.
func (e *Engine) Subscribe(ctx context.Context, key model.StreamKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.workers[key]; exists {
		e.mu.Unlock()
		return fmt.Errorf("stream %s already subscribed", key)
	}
	e.mu.Unlock()

	cursor, err := e.cursors.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("load cursor for %s: %w", key, err)
	}
	var lastApplied uint64
	if cursor != nil {
		lastApplied = cursor.LastAppliedSequence
	}

	w := newStreamWorker(e, key, lastApplied)

	// The worker owns a context derived from the subscribe context so that
	// Unsubscribe and Close can abort in-flight backfill and apply calls,
	// not just the run loop between them.
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	e.mu.Lock()
	e.workers[key] = w
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		w.run(runCtx)
	}()

	e.logger.Info("stream subscribed", "stream", key.String(), "cursor_seq", lastApplied)
	return nil
}

// Unsubscribe stops the stream's worker, cancelling any in-flight backfill
// or watermark work. Buffered, unapplied batches are discarded; the cursor
// keeps the durable position.
func (e *Engine) Unsubscribe(key model.StreamKey) {
	e.mu.Lock()
	w, ok := e.workers[key]
	if ok {
		delete(e.workers, key)
	}
	e.mu.Unlock()
	if ok {
		w.shutdown()
	}
}

func (e *Engine) worker(key model.StreamKey) (*streamWorker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, key)
	}
	return w, nil
}

// OfferLive hands a live batch to the stream's worker. Never blocks: the
// batch lands in the bounded buffer and is applied in sequence order by
// the worker goroutine.
func (e *Engine) OfferLive(key model.StreamKey, batch model.Batch) error {
	w, err := e.worker(key)
	if err != nil {
		return err
	}
	w.offer(batch)
	return nil
}

// CatchUp runs the catch-up protocol toward target (0 means "until the
// upstream reports no more history"), then drains buffered live batches
// and transitions the stream to Live. Transient transport failures
// propagate to the caller, which owns reconnect policy.
func (e *Engine) CatchUp(ctx context.Context, key model.StreamKey, target uint64) error {
	w, err := e.worker(key)
	if err != nil {
		return err
	}
	return w.request(ctx, controlMsg{kind: ctrlCatchUp, seq: target})
}

// MarkConnecting flags the stream as connecting; live batches arriving
// from now on are buffered until catch-up completes.
func (e *Engine) MarkConnecting(key model.StreamKey) error {
	w, err := e.worker(key)
	if err != nil {
		return err
	}
	w.setPhase(model.PhaseConnecting)
	return nil
}

// MarkDisconnected flags the stream as disconnected after a transport loss.
// Faulted streams stay Faulted.
func (e *Engine) MarkDisconnected(key model.StreamKey) error {
	w, err := e.worker(key)
	if err != nil {
		return err
	}
	if w.phaseIs(model.PhaseFaulted) {
		return nil
	}
	w.setPhase(model.PhaseDisconnected)
	return nil
}

// Reset clears the stream's fault and forces its cursor to seq (0 replays
// from the beginning). Operator action.
func (e *Engine) Reset(ctx context.Context, key model.StreamKey, seq uint64) error {
	w, err := e.worker(key)
	if err != nil {
		// Allow resetting streams that are not currently running.
		if errors.Is(err, ErrUnknownStream) {
			return e.cursors.Reset(ctx, key, seq)
		}
		return err
	}
	return w.request(ctx, controlMsg{kind: ctrlReset, seq: seq})
}

// ResumeAt is Reset with a deliberate skip-forward: the cursor is forced
// to seq and everything at or below it is treated as applied.
func (e *Engine) ResumeAt(ctx context.Context, key model.StreamKey, seq uint64) error {
	return e.Reset(ctx, key, seq)
}

// Phase returns the stream's current protocol phase.
func (e *Engine) Phase(key model.StreamKey) (model.Phase, error) {
	w, err := e.worker(key)
	if err != nil {
		return "", err
	}
	return w.currentPhase(), nil
}

// StreamStatus is an operator-facing snapshot of one stream.
type StreamStatus struct {
	Key                 model.StreamKey `json:"key"`
	Stream              string          `json:"stream"`
	Phase               model.Phase     `json:"phase"`
	LastAppliedSequence uint64          `json:"last_applied_sequence"`
	Buffered            int             `json:"buffered"`
	DroppedBatches      uint64          `json:"dropped_batches"`
	Fault               string          `json:"fault,omitempty"`
	Health              HealthSnapshot  `json:"health"`
}

// Status returns the snapshot for one stream.
func (e *Engine) Status(key model.StreamKey) (StreamStatus, error) {
	w, err := e.worker(key)
	if err != nil {
		return StreamStatus{}, err
	}
	return w.status(), nil
}

// Snapshot returns snapshots for all streams, ordered by key.
func (e *Engine) Snapshot() []StreamStatus {
	e.mu.RLock()
	workers := make([]*streamWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.RUnlock()

	out := make([]StreamStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// Close stops all workers, cancelling in-flight work, and waits for them
// to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	for key, w := range e.workers {
		w.shutdown()
		delete(e.workers, key)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
