package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

const (
	defaultPingInterval = 15 * time.Second
	defaultReadLimit    = 8 << 20 // 8 MiB
)

// Subscriber holds the live push subscription for one stream. Connect
// dials and subscribes; Read pumps decoded batches until the connection
// drops. The caller owns reconnection policy.
type Subscriber struct {
	url          string
	key          model.StreamKey
	pingInterval time.Duration
	dialer       *websocket.Dialer
	logger       *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

type SubscriberOption func(*Subscriber)

func WithPingInterval(d time.Duration) SubscriberOption {
	return func(s *Subscriber) { s.pingInterval = d }
}

func WithDialer(d *websocket.Dialer) SubscriberOption {
	return func(s *Subscriber) { s.dialer = d }
}

func NewSubscriber(url string, key model.StreamKey, logger *slog.Logger, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		url:          url,
		key:          key,
		pingInterval: defaultPingInterval,
		dialer:       websocket.DefaultDialer,
		logger:       logger.With("component", "subscriber", "stream", key.String()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the feed and sends the subscription frame for the
// stream's topic.
func (s *Subscriber) Connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, s.url, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	frame, err := EncodeSubscribe(s.key.Topic())
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, s.key.Topic(), err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("subscribed", "topic", s.key.Topic())
	return nil
}

// Read pumps decoded batches until the connection fails or ctx ends. The
// error channel receives exactly one error when the read loop exits.
// Malformed frames are logged and dropped without killing the connection;
// sequence bookkeeping is untouched by them.
func (s *Subscriber) Read(ctx context.Context, onDecodeError func(error)) (<-chan model.Batch, <-chan error) {
	batches := make(chan model.Batch, 256)
	errs := make(chan error, 1)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		errs <- fmt.Errorf("%w: not connected", ErrUnavailable)
		close(batches)
		close(errs)
		return batches, errs
	}

	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	go func() {
		defer close(batches)
		defer close(errs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				errs <- fmt.Errorf("%w: read: %v", ErrUnavailable, err)
				return
			}

			env, err := DecodeEnvelope(data)
			if err != nil {
				s.logger.Warn("dropping undecodable frame", "error", err)
				if onDecodeError != nil {
					onDecodeError(err)
				}
				continue
			}
			if env.Type == TypeHeartbeat {
				continue
			}
			batch, err := DecodeBatch(s.key, env)
			if err != nil {
				s.logger.Warn("dropping malformed batch", "error", err)
				if onDecodeError != nil {
					onDecodeError(err)
				}
				continue
			}

			select {
			case batches <- batch:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return batches, errs
}

// Close tears down the connection. Safe to call when not connected.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
