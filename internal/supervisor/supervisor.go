// Package supervisor keeps the upstream transports alive. It owns the
// reconnect loop per stream: connect, query the watermark, run catch-up,
// pump live batches into the engine, and back off on failure. Correctness
// lives in the engine; the supervisor only governs liveness.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxhq/fluxsync/internal/circuitbreaker"
	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/engine"
	"github.com/fluxhq/fluxsync/internal/metrics"
)

const (
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffMax  = 5 * time.Second

	// defaultHealthyReset is how long a live session must survive for the
	// reconnect backoff to return to base.
	defaultHealthyReset = 30 * time.Second

	// faultedPollInterval is how often a Faulted stream is re-checked for
	// an operator reset.
	faultedPollInterval = 2 * time.Second
)

// LiveSource is one live push connection. feed.Subscriber implements it.
type LiveSource interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, onDecodeError func(error)) (<-chan model.Batch, <-chan error)
	Close() error
}

// WatermarkFetcher queries the upstream's latest sequence.
// feed.WatermarkClient implements it.
type WatermarkFetcher interface {
	Fetch(ctx context.Context, key model.StreamKey) (model.Watermark, error)
}

type Option func(*Supervisor)

func WithBackoff(base, max time.Duration) Option {
	return func(s *Supervisor) {
		if base > 0 {
			s.backoffBase = base
		}
		if max > 0 {
			s.backoffMax = max
		}
	}
}

func WithWatermarkBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Supervisor) { s.breaker = b }
}

// WithHealthyReset sets the session duration after which the reconnect
// backoff resets to base.
func WithHealthyReset(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.healthyReset = d
		}
	}
}

// Supervisor drives one reconnect loop per subscribed stream.
type Supervisor struct {
	eng        *engine.Engine
	newSource  func(model.StreamKey) LiveSource
	watermarks WatermarkFetcher
	logger     *slog.Logger
	breaker    *circuitbreaker.Breaker

	backoffBase  time.Duration
	backoffMax   time.Duration
	healthyReset time.Duration
}

func New(eng *engine.Engine, newSource func(model.StreamKey) LiveSource, watermarks WatermarkFetcher, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		eng:          eng,
		newSource:    newSource,
		watermarks:   watermarks,
		logger:       logger.With("component", "supervisor"),
		breaker:      circuitbreaker.New(circuitbreaker.Config{}),
		backoffBase:  defaultBackoffBase,
		backoffMax:   defaultBackoffMax,
		healthyReset: defaultHealthyReset,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run supervises all keys until ctx is done. A stream loop only returns on
// context cancellation; transport failures are absorbed by backoff.
func (s *Supervisor) Run(ctx context.Context, keys []model.StreamKey) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return s.runStream(ctx, key)
		})
	}
	return g.Wait()
}

func (s *Supervisor) runStream(ctx context.Context, key model.StreamKey) error {
	logger := s.logger.With("stream", key.String())
	labels := metrics.StreamLabelValues(key.SourceID, key.Symbol, key.Interval)
	backoff := s.backoffBase

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if phase, err := s.eng.Phase(key); err == nil && phase == model.PhaseFaulted {
			// Terminal until an operator resets the stream.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(faultedPollInterval):
			}
			continue
		}

		sessionStart := time.Now()
		err := s.connectAndPump(ctx, key, logger, labels)
		if time.Since(sessionStart) >= s.healthyReset {
			// The session survived long enough to call the upstream
			// healthy again; earlier failures no longer predict the
			// next attempt.
			backoff = s.backoffBase
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, engine.ErrStreamFaulted) || errors.Is(err, engine.ErrPersistentGap) {
				// Faulted branch above takes over on the next iteration.
				continue
			}
			logger.Warn("stream session ended, reconnecting",
				"backoff", backoff.String(),
				"error", err)
			metrics.LiveReconnectsTotal.WithLabelValues(labels...).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > s.backoffMax {
				backoff = s.backoffMax
			}
			continue
		}
		backoff = s.backoffBase
	}
}

// connectAndPump runs one live session: connect, catch up, then pump live
// batches until the connection drops.
func (s *Supervisor) connectAndPump(ctx context.Context, key model.StreamKey, logger *slog.Logger, labels []string) error {
	_ = s.eng.MarkConnecting(key)

	source := s.newSource(key)
	if err := source.Connect(ctx); err != nil {
		_ = s.eng.MarkDisconnected(key)
		return err
	}
	defer source.Close()

	// Watermark is advisory: when unavailable, catch up against the
	// live-observed sequence instead.
	var target uint64
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		wm, err := s.watermarks.Fetch(ctx, key)
		if err != nil {
			return err
		}
		target = wm.LatestSequence
		return nil
	})
	if err != nil {
		logger.Warn("watermark unavailable, catching up against live sequence", "error", err)
		target = 0
	}

	batches, errs := source.Read(ctx, func(error) {
		metrics.LiveDecodeErrors.WithLabelValues(labels...).Inc()
	})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for batch := range batches {
			_ = s.eng.OfferLive(key, batch)
		}
	}()

	if err := s.eng.CatchUp(ctx, key, target); err != nil {
		_ = source.Close()
		<-pumpDone
		_ = s.eng.MarkDisconnected(key)
		return fmt.Errorf("catch-up: %w", err)
	}

	readErr := <-errs
	_ = source.Close()
	<-pumpDone
	_ = s.eng.MarkDisconnected(key)
	if readErr == nil {
		readErr = errors.New("live connection closed")
	}
	return readErr
}

// jitter spreads reconnect attempts so restarting streams do not thunder
// against the upstream in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
