// Package redisfan fans out applied batches over Redis Streams so other
// processes (chart renderers, alerting, exporters) can tail the reconciled
// timeline without touching the primary store. The fanout is best-effort:
// a publish failure is logged, never blocks the apply path.
package redisfan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

// Transport is the minimal stream abstraction the fanout publisher and
// downstream consumers need. RedisTransport is the production
// implementation; InMemoryTransport backs tests and single-process runs.
type Transport interface {
	PublishJSON(ctx context.Context, stream string, v any) (string, error)
	// ReadJSON blocks until a message after lastID arrives, decodes it
	// into dst, and returns the message id to resume from.
	ReadJSON(ctx context.Context, stream string, lastID string, dst any) (string, error)
	LoadStreamCheckpoint(ctx context.Context, key string) (string, error)
	PersistStreamCheckpoint(ctx context.Context, key string, offset string) error
	Close() error
}

// AppliedEvent is the fanout record for one applied batch.
type AppliedEvent struct {
	Key           model.StreamKey `json:"key"`
	Source        model.Source    `json:"source"`
	StartSequence uint64          `json:"start_sequence"`
	EndSequence   uint64          `json:"end_sequence"`
	Count         int             `json:"count"`
	AppliedAt     time.Time       `json:"applied_at"`
}

// StreamName returns the fanout stream for a key.
func StreamName(key model.StreamKey) string {
	return "fluxsync.applied." + key.String()
}

// Publisher emits AppliedEvents after batches land in the timeline.
type Publisher struct {
	transport Transport
	logger    *slog.Logger
}

func NewPublisher(transport Transport, logger *slog.Logger) *Publisher {
	return &Publisher{
		transport: transport,
		logger:    logger.With("component", "redis_fanout"),
	}
}

// PublishApplied publishes the event, logging and swallowing failures.
func (p *Publisher) PublishApplied(ctx context.Context, batch model.Batch) {
	event := AppliedEvent{
		Key:           batch.Key,
		Source:        batch.Source,
		StartSequence: batch.StartSequence,
		EndSequence:   batch.EndSequence,
		Count:         len(batch.Points),
		AppliedAt:     time.Now().UTC(),
	}
	if _, err := p.transport.PublishJSON(ctx, StreamName(batch.Key), event); err != nil {
		p.logger.Warn("fanout publish failed",
			"stream", batch.Key.String(),
			"start_seq", batch.StartSequence,
			"end_seq", batch.EndSequence,
			"error", err)
	}
}

const payloadField = "payload"

// RedisTransport implements Transport over Redis Streams, with checkpoints
// stored as plain keys.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(url string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisTransport{client: client}, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

func (t *RedisTransport) PublishJSON(ctx context.Context, stream string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal fanout payload: %w", err)
	}
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 100_000,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (t *RedisTransport) ReadJSON(ctx context.Context, stream string, lastID string, dst any) (string, error) {
	if lastID == "" {
		lastID = "0"
	}
	res, err := t.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   1,
		Block:   0,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xread %s: %w", stream, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", fmt.Errorf("xread %s: empty result", stream)
	}
	msg := res[0].Messages[0]
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return "", fmt.Errorf("xread %s: message %s missing payload field", stream, msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return "", fmt.Errorf("decode fanout payload: %w", err)
	}
	return msg.ID, nil
}

func (t *RedisTransport) LoadStreamCheckpoint(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	value, err := t.client.Get(ctx, checkpointKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return value, nil
}

func (t *RedisTransport) PersistStreamCheckpoint(ctx context.Context, key string, offset string) error {
	if key == "" {
		return nil
	}
	if err := validateStreamOffset(offset); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", key, err)
	}
	if err := t.client.Set(ctx, checkpointKey(key), offset, 0).Err(); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", key, err)
	}
	return nil
}

func checkpointKey(key string) string {
	return "fluxsync.checkpoint." + key
}

// parseStreamOffset extracts the numeric prefix of a stream id ("123-0"),
// clamping negatives to zero.
func parseStreamOffset(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	if idx := strings.Index(trimmed, "-"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream offset %q", raw)
	}
	if value < 0 {
		return 0, nil
	}
	return value, nil
}

func validateStreamOffset(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	parts := strings.SplitN(trimmed, "-", 2)
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return fmt.Errorf("invalid stream offset %q", raw)
	}
	if len(parts) == 2 {
		if _, err := strconv.ParseUint(parts[1], 10, 64); err != nil {
			return fmt.Errorf("invalid stream offset %q", raw)
		}
	}
	return nil
}

type inMemoryMessage struct {
	id      string
	payload []byte
}

// InMemoryTransport is a process-local Transport with the same blocking
// read semantics as the Redis implementation.
type InMemoryTransport struct {
	mu          sync.Mutex
	streams     map[string][]inMemoryMessage
	checkpoints map[string]string
	nextID      int64
	waiters     map[string][]chan struct{}
}

func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{
		streams:     make(map[string][]inMemoryMessage),
		checkpoints: make(map[string]string),
		waiters:     make(map[string][]chan struct{}),
	}
}

func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams = make(map[string][]inMemoryMessage)
	t.checkpoints = make(map[string]string)
	for _, chans := range t.waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
	t.waiters = make(map[string][]chan struct{})
	return nil
}

func (t *InMemoryTransport) PublishJSON(_ context.Context, stream string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal fanout payload: %w", err)
	}

	t.mu.Lock()
	t.nextID++
	id := strconv.FormatInt(t.nextID, 10) + "-0"
	t.streams[stream] = append(t.streams[stream], inMemoryMessage{id: id, payload: payload})
	chans := t.waiters[stream]
	delete(t.waiters, stream)
	t.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
	return id, nil
}

func (t *InMemoryTransport) ReadJSON(ctx context.Context, stream string, lastID string, dst any) (string, error) {
	after, err := parseStreamOffset(lastID)
	if err != nil {
		return "", err
	}

	for {
		t.mu.Lock()
		for _, msg := range t.streams[stream] {
			offset, _ := parseStreamOffset(msg.id)
			if offset <= after {
				continue
			}
			t.mu.Unlock()
			if err := json.Unmarshal(msg.payload, dst); err != nil {
				return "", fmt.Errorf("decode fanout payload: %w", err)
			}
			return msg.id, nil
		}
		wait := make(chan struct{})
		t.waiters[stream] = append(t.waiters[stream], wait)
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wait:
		}
	}
}

func (t *InMemoryTransport) LoadStreamCheckpoint(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpoints[key], nil
}

func (t *InMemoryTransport) PersistStreamCheckpoint(_ context.Context, key string, offset string) error {
	if key == "" {
		return nil
	}
	if err := validateStreamOffset(offset); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", key, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkpoints[key] = offset
	return nil
}
