package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxhq/fluxsync/internal/alert"
	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/feed"
	"github.com/fluxhq/fluxsync/internal/metrics"
	"github.com/fluxhq/fluxsync/internal/store"
)

type controlKind int

const (
	ctrlCatchUp controlKind = iota
	ctrlReset
)

type controlMsg struct {
	kind   controlKind
	seq    uint64 // catch-up target or reset sequence
	result chan error
}

// streamWorker serializes all state changes for one stream. Live batches
// enter through the bounded buffer; catch-up and reset enter through the
// control channel; everything is processed on the run goroutine.
type streamWorker struct {
	eng    *Engine
	key    model.StreamKey
	logger *slog.Logger
	health *StreamHealth
	buffer *liveBuffer
	labels []string

	control  chan controlMsg
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc

	mu              sync.RWMutex
	phase           model.Phase
	lastApplied     uint64
	maxObservedLive uint64
	faultErr        error
}

func newStreamWorker(eng *Engine, key model.StreamKey, lastApplied uint64) *streamWorker {
	w := &streamWorker{
		eng:         eng,
		key:         key,
		logger:      eng.logger.With("stream", key.String()),
		health:      NewStreamHealth(key),
		buffer:      newLiveBuffer(eng.bufferCapacity),
		labels:      metrics.StreamLabelValues(key.SourceID, key.Symbol, key.Interval),
		control:     make(chan controlMsg),
		stop:        make(chan struct{}),
		phase:       model.PhaseDisconnected,
		lastApplied: lastApplied,
	}
	metrics.EngineCursorSequence.WithLabelValues(w.labels...).Set(float64(lastApplied))
	w.publishPhase()
	return w
}

func (w *streamWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case msg := <-w.control:
			msg.result <- w.handleControl(ctx, msg)
		case <-w.buffer.notify:
			w.drainLive(ctx)
		}
	}
}

// shutdown cancels the worker's context so in-flight backfill and apply
// calls abort, then signals the run loop to exit. Safe to call more than
// once.
func (w *streamWorker) shutdown() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		close(w.stop)
	})
}

// request sends a control message and waits for the worker to process it.
func (w *streamWorker) request(ctx context.Context, msg controlMsg) error {
	msg.result = make(chan error, 1)
	select {
	case w.control <- msg:
	case <-w.stop:
		return fmt.Errorf("%w: %s", ErrUnknownStream, w.key)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *streamWorker) handleControl(ctx context.Context, msg controlMsg) error {
	switch msg.kind {
	case ctrlCatchUp:
		if w.phaseIs(model.PhaseFaulted) {
			return fmt.Errorf("%w: %v", ErrStreamFaulted, w.faultReason())
		}
		return w.runCatchUp(ctx, msg.seq)
	case ctrlReset:
		return w.doReset(ctx, msg.seq)
	default:
		return fmt.Errorf("unknown control message %d", msg.kind)
	}
}

// offer records a live batch. Called from the subscriber goroutine; the
// worker goroutine applies it later in sequence order.
func (w *streamWorker) offer(batch model.Batch) {
	if w.phaseIs(model.PhaseFaulted) {
		return
	}

	w.mu.Lock()
	if batch.EndSequence > w.maxObservedLive {
		w.maxObservedLive = batch.EndSequence
	}
	w.mu.Unlock()

	metrics.LiveBatchesReceived.WithLabelValues(w.labels...).Inc()
	if evicted := w.buffer.push(batch); evicted != nil {
		metrics.LiveBufferDropped.WithLabelValues(w.labels...).Inc()
		w.logger.Warn("live buffer overflow, dropped oldest batch",
			"dropped_start_seq", evicted.StartSequence,
			"dropped_end_seq", evicted.EndSequence)
	}
	metrics.EngineInboxDepth.WithLabelValues(w.labels...).Set(float64(w.buffer.len()))
}

// drainLive applies buffered batches while in Live phase. In any other
// phase batches stay buffered for the catch-up or repair drain.
func (w *streamWorker) drainLive(ctx context.Context) {
	for w.phaseIs(model.PhaseLive) {
		batch, ok := w.buffer.pop()
		if !ok {
			return
		}
		metrics.EngineInboxDepth.WithLabelValues(w.labels...).Set(float64(w.buffer.len()))
		if err := w.handleLive(ctx, batch); err != nil {
			return
		}
	}
}

// handleLive enforces the single arbitration rule on one live batch:
// everything at or below the cursor is a duplicate, exactly cursor+1
// applies, anything beyond cursor+1 is a gap.
func (w *streamWorker) handleLive(ctx context.Context, batch model.Batch) error {
	trimmed, ok := batch.TrimThrough(w.last())
	if !ok {
		metrics.EngineDuplicatesDropped.WithLabelValues(w.labels...).Inc()
		return nil
	}
	if trimmed.StartSequence == w.last()+1 {
		return w.apply(ctx, trimmed)
	}

	metrics.EngineGapsDetected.WithLabelValues(w.labels...).Inc()
	w.logger.Warn("sequence gap detected",
		"cursor_seq", w.last(),
		"batch_start_seq", trimmed.StartSequence)
	w.setPhase(model.PhaseGapRepair)
	if err := w.repairGap(ctx, trimmed); err != nil {
		return err
	}
	w.setPhase(model.PhaseLive)
	return nil
}

// repairGap backfills exactly the missing range below pending, then
// applies pending. Rounds are retried with exponential backoff up to the
// ceiling; exceeding it faults the stream rather than skipping data.
func (w *streamWorker) repairGap(ctx context.Context, pending model.Batch) error {
	missingEnd := pending.StartSequence - 1
	backoff := w.eng.repairBackoffBase
	started := time.Now()

	for round := 1; round <= w.eng.maxRepairRounds; round++ {
		err := w.eng.backfiller.FetchRange(ctx, w.key, w.last(), missingEnd, func(b model.Batch) error {
			return w.applyBackfill(ctx, b)
		})
		if err == nil && w.last() >= missingEnd {
			metrics.EngineGapRepairsTotal.WithLabelValues(w.labels...).Inc()
			metrics.BackfillLatency.WithLabelValues(w.labels...).Observe(time.Since(started).Seconds())
			if trimmed, ok := pending.TrimThrough(w.last()); ok {
				return w.apply(ctx, trimmed)
			}
			return nil
		}
		if err != nil {
			if errors.Is(err, store.ErrStaleWrite) || errors.Is(err, ErrStreamFaulted) {
				return err
			}
			if errors.Is(err, feed.ErrRangeUnavailable) {
				if fbErr := w.retentionFallback(ctx, err); fbErr != nil {
					return fbErr
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.BackfillErrors.WithLabelValues(w.labels...).Inc()
			w.recordFailure(ctx)
		}

		w.logger.Warn("gap repair round incomplete, backing off",
			"round", round,
			"cursor_seq", w.last(),
			"missing_through", missingEnd,
			"backoff", backoff.String(),
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.eng.repairBackoffMax {
			backoff = w.eng.repairBackoffMax
		}
	}

	return w.fault(ctx, alert.AlertTypePersistentGap,
		fmt.Errorf("%w: missing (%d, %d] after %d repair rounds",
			ErrPersistentGap, w.last(), missingEnd, w.eng.maxRepairRounds))
}

// runCatchUp pages backfill toward target, drains the live buffer with the
// dedup rule, and repeats until the cursor meets the highest observed live
// sequence. Transient transport errors propagate to the supervisor.
func (w *streamWorker) runCatchUp(ctx context.Context, target uint64) error {
	w.setPhase(model.PhaseCatchingUp)
	started := time.Now()

	for round := 1; round <= w.eng.maxRepairRounds; round++ {
		if target == 0 || target > w.last() {
			err := w.eng.backfiller.FetchRange(ctx, w.key, w.last(), target, func(b model.Batch) error {
				return w.applyBackfill(ctx, b)
			})
			if err != nil {
				if errors.Is(err, store.ErrStaleWrite) || errors.Is(err, ErrStreamFaulted) {
					return err
				}
				if errors.Is(err, feed.ErrRangeUnavailable) {
					if fbErr := w.retentionFallback(ctx, err); fbErr != nil {
						return fbErr
					}
					continue
				}
				w.recordFailure(ctx)
				return err
			}
		}

		gapStart, err := w.drainBuffered(ctx)
		if err != nil {
			return err
		}
		if gapStart > 0 {
			// A buffered batch starts beyond cursor+1 (overflow dropped
			// the bridge). Backfill up to it and drain again.
			target = gapStart - 1
			continue
		}

		if observed := w.maxObserved(); observed > w.last() {
			// Live delivery raced ahead of the catch-up target.
			target = observed
			continue
		}

		metrics.BackfillLatency.WithLabelValues(w.labels...).Observe(time.Since(started).Seconds())
		w.setPhase(model.PhaseLive)
		w.logger.Info("catch-up complete", "cursor_seq", w.last(), "elapsed", time.Since(started).String())
		return nil
	}

	return w.fault(ctx, alert.AlertTypePersistentGap,
		fmt.Errorf("%w: catch-up did not converge after %d rounds (cursor %d, observed %d)",
			ErrPersistentGap, w.eng.maxRepairRounds, w.last(), w.maxObserved()))
}

// drainBuffered applies buffered live batches in order with the dedup
// rule. Returns the start sequence of the first gapped batch (left at the
// front of the buffer), or 0 when the buffer is empty.
func (w *streamWorker) drainBuffered(ctx context.Context) (uint64, error) {
	for {
		batch, ok := w.buffer.pop()
		if !ok {
			metrics.EngineInboxDepth.WithLabelValues(w.labels...).Set(0)
			return 0, nil
		}
		trimmed, live := batch.TrimThrough(w.last())
		if !live {
			metrics.EngineDuplicatesDropped.WithLabelValues(w.labels...).Inc()
			continue
		}
		if trimmed.StartSequence > w.last()+1 {
			w.buffer.unpop(trimmed)
			return trimmed.StartSequence, nil
		}
		if err := w.apply(ctx, trimmed); err != nil {
			return 0, err
		}
	}
}

// applyBackfill applies one backfill page, tolerating overlap with already
// applied data.
func (w *streamWorker) applyBackfill(ctx context.Context, batch model.Batch) error {
	metrics.BackfillPagesFetched.WithLabelValues(w.labels...).Inc()
	trimmed, ok := batch.TrimThrough(w.last())
	if !ok {
		metrics.EngineDuplicatesDropped.WithLabelValues(w.labels...).Inc()
		return nil
	}
	if trimmed.StartSequence != w.last()+1 {
		return fmt.Errorf("backfill page starts at %d, cursor at %d", trimmed.StartSequence, w.last())
	}
	return w.apply(ctx, trimmed)
}

// apply writes the batch to the timeline, then advances the cursor with a
// compare-and-set guard. The order matters: a crash between the two leaves
// the timeline ahead of the cursor, and re-applying is idempotent.
func (w *streamWorker) apply(ctx context.Context, batch model.Batch) error {
	// Cancellation marks the unsubscribe boundary: nothing may land in the
	// timeline once it begins, even when the backfiller ignores the context.
	if err := ctx.Err(); err != nil {
		return err
	}

	started := time.Now()
	prev := w.last()

	if err := w.eng.timeline.AppendCandles(ctx, w.key, batch.Points); err != nil {
		w.recordFailure(ctx)
		return fmt.Errorf("append candles %s [%d..%d]: %w", w.key, batch.StartSequence, batch.EndSequence, err)
	}

	lastPoint := batch.Points[len(batch.Points)-1]
	cursor := model.Cursor{
		Key:                  w.key,
		LastAppliedSequence:  batch.EndSequence,
		LastAppliedEventTime: lastPoint.EventTime,
	}
	if err := w.eng.cursors.Advance(ctx, cursor, prev); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return w.fault(ctx, alert.AlertTypeStaleWrite,
				fmt.Errorf("advance cursor %s from %d to %d: %w", w.key, prev, batch.EndSequence, err))
		}
		w.recordFailure(ctx)
		return fmt.Errorf("advance cursor %s: %w", w.key, err)
	}

	w.setLast(batch.EndSequence)
	elapsed := time.Since(started)

	metrics.EngineBatchesApplied.WithLabelValues(append(w.labels, string(batch.Source))...).Inc()
	metrics.EngineCursorSequence.WithLabelValues(w.labels...).Set(float64(batch.EndSequence))
	metrics.EngineApplyLatency.WithLabelValues(w.labels...).Observe(elapsed.Seconds())
	w.health.RecordLatency(elapsed)
	if w.health.RecordSuccessWithRecovery() {
		_ = w.eng.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Stream:  w.key.String(),
			Title:   "Stream recovered",
			Message: fmt.Sprintf("Applies succeeding again at sequence %d", batch.EndSequence),
		})
	}
	metrics.StreamConsecutiveFailures.WithLabelValues(w.labels...).Set(0)

	if w.eng.appliedHook != nil {
		w.eng.appliedHook(ctx, batch)
	}
	return nil
}

// retentionFallback handles a RangeUnavailable response. With the fallback
// enabled and a usable retention floor, the cursor is forced forward to
// the floor and the skipped range is alerted as data loss; otherwise the
// stream faults.
func (w *streamWorker) retentionFallback(ctx context.Context, cause error) error {
	var ru *feed.RangeUnavailableError
	if w.eng.retentionFallback && errors.As(cause, &ru) && ru.EarliestSequence > w.last()+1 {
		skippedFrom := w.last() + 1
		resumeAt := ru.EarliestSequence - 1
		if err := w.eng.cursors.Reset(ctx, w.key, resumeAt); err != nil {
			return w.fault(ctx, alert.AlertTypeFaulted,
				fmt.Errorf("retention fallback reset to %d: %w", resumeAt, err))
		}
		w.setLast(resumeAt)
		metrics.EngineCursorSequence.WithLabelValues(w.labels...).Set(float64(resumeAt))
		w.logger.Error("range evicted upstream, resyncing from earliest available",
			"skipped_from_seq", skippedFrom,
			"resume_after_seq", resumeAt)
		_ = w.eng.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeDataLoss,
			Stream:  w.key.String(),
			Title:   "Range evicted upstream",
			Message: fmt.Sprintf("Sequences %d..%d are unrecoverable, resyncing from %d", skippedFrom, resumeAt, ru.EarliestSequence),
			Fields: map[string]string{
				"skipped_from": fmt.Sprintf("%d", skippedFrom),
				"resume_after": fmt.Sprintf("%d", resumeAt),
			},
		})
		return nil
	}
	return w.fault(ctx, alert.AlertTypeFaulted, cause)
}

func (w *streamWorker) doReset(ctx context.Context, seq uint64) error {
	if err := w.eng.cursors.Reset(ctx, w.key, seq); err != nil {
		return fmt.Errorf("reset cursor %s: %w", w.key, err)
	}
	w.buffer.clear()

	w.mu.Lock()
	w.lastApplied = seq
	w.maxObservedLive = 0
	w.faultErr = nil
	w.phase = model.PhaseDisconnected
	w.mu.Unlock()

	metrics.EngineCursorSequence.WithLabelValues(w.labels...).Set(float64(seq))
	w.publishPhase()
	w.logger.Info("stream reset", "cursor_seq", seq)
	return nil
}

// fault moves the stream to the terminal Faulted phase and alerts.
func (w *streamWorker) fault(ctx context.Context, alertType alert.AlertType, cause error) error {
	w.mu.Lock()
	w.phase = model.PhaseFaulted
	w.faultErr = cause
	w.mu.Unlock()
	w.publishPhase()

	w.logger.Error("stream faulted", "error", cause)
	_ = w.eng.alerter.Send(ctx, alert.Alert{
		Type:    alertType,
		Stream:  w.key.String(),
		Title:   "Stream faulted",
		Message: cause.Error(),
	})
	return cause
}

func (w *streamWorker) recordFailure(ctx context.Context) {
	becameUnhealthy := w.health.RecordFailure()
	metrics.StreamConsecutiveFailures.WithLabelValues(w.labels...).Set(float64(w.health.ConsecutiveFailures()))
	if becameUnhealthy {
		_ = w.eng.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeUnhealthy,
			Stream:  w.key.String(),
			Title:   "Stream unhealthy",
			Message: fmt.Sprintf("%d consecutive failures", w.health.ConsecutiveFailures()),
		})
	}
}

func (w *streamWorker) last() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastApplied
}

func (w *streamWorker) setLast(seq uint64) {
	w.mu.Lock()
	w.lastApplied = seq
	w.mu.Unlock()
}

func (w *streamWorker) maxObserved() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.maxObservedLive
}

func (w *streamWorker) currentPhase() model.Phase {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.phase
}

func (w *streamWorker) phaseIs(p model.Phase) bool {
	return w.currentPhase() == p
}

func (w *streamWorker) setPhase(p model.Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
	w.publishPhase()
}

func (w *streamWorker) faultReason() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.faultErr
}

func (w *streamWorker) status() StreamStatus {
	w.mu.RLock()
	phase := w.phase
	last := w.lastApplied
	faultErr := w.faultErr
	w.mu.RUnlock()

	s := StreamStatus{
		Key:                 w.key,
		Stream:              w.key.String(),
		Phase:               phase,
		LastAppliedSequence: last,
		Buffered:            w.buffer.len(),
		DroppedBatches:      w.buffer.droppedCount(),
		Health:              w.health.Snapshot(),
	}
	if faultErr != nil {
		s.Fault = faultErr.Error()
	}
	return s
}

func (w *streamWorker) publishPhase() {
	metrics.EnginePhase.WithLabelValues(w.labels...).Set(phaseValue(w.currentPhase()))
}

func phaseValue(p model.Phase) float64 {
	switch p {
	case model.PhaseDisconnected:
		return 0
	case model.PhaseConnecting:
		return 1
	case model.PhaseCatchingUp:
		return 2
	case model.PhaseLive:
		return 3
	case model.PhaseGapRepair:
		return 4
	case model.PhaseFaulted:
		return 5
	default:
		return -1
	}
}
