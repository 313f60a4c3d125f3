// Package feed implements the upstream-facing transports: the push
// subscription over WebSocket and the pull backfill and watermark queries
// over HTTP. All three speak a versioned JSON envelope.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

// WireSchemaVersion is the envelope version this build understands.
// Frames carrying any other version are rejected, never guessed at.
const WireSchemaVersion = 1

var (
	// ErrUnavailable marks a transport-level failure (dial, 5xx, timeout).
	// Retryable against the same endpoint.
	ErrUnavailable = errors.New("feed transport unavailable")

	// ErrRangeUnavailable means the upstream no longer retains the
	// requested range. Retrying the same request cannot succeed.
	ErrRangeUnavailable = errors.New("requested range unavailable")

	// ErrDecode marks a frame or body that could not be decoded, including
	// schema version mismatches.
	ErrDecode = errors.New("feed decode")
)

// Message types carried in the envelope.
const (
	TypeBatch     = "batch"
	TypeSubscribe = "subscribe"
	TypeHeartbeat = "heartbeat"
)

// Envelope is the outer frame of every feed message.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// WireCandle is the on-the-wire candle shape. Timestamps travel as
// milliseconds since epoch.
type WireCandle struct {
	TSMillis int64   `json:"ts_ms"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

func (w WireCandle) toModel() model.Candle {
	return model.Candle{
		TS:     time.UnixMilli(w.TSMillis).UTC(),
		Open:   w.Open,
		High:   w.High,
		Low:    w.Low,
		Close:  w.Close,
		Volume: w.Volume,
	}
}

// ToWireCandle converts a model candle for transmission.
func ToWireCandle(c model.Candle) WireCandle {
	return WireCandle{
		TSMillis: c.TS.UnixMilli(),
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Volume:   c.Volume,
	}
}

// BatchPayload is the payload of a TypeBatch envelope.
type BatchPayload struct {
	Topic         string       `json:"topic"`
	StartSequence uint64       `json:"start_sequence"`
	Candles       []WireCandle `json:"candles"`
}

// SubscribePayload is the payload of a TypeSubscribe envelope sent by the
// client after connecting.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// DecodeEnvelope parses and version-checks an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	if env.SchemaVersion != WireSchemaVersion {
		return Envelope{}, fmt.Errorf("%w: schema version mismatch: got %d want %d",
			ErrDecode, env.SchemaVersion, WireSchemaVersion)
	}
	return env, nil
}

// DecodeBatch decodes a TypeBatch envelope into a validated live batch
// for key. The topic must match and the batch must be internally
// contiguous; anything else is a decode failure.
func DecodeBatch(key model.StreamKey, env Envelope) (model.Batch, error) {
	if env.Type != TypeBatch {
		return model.Batch{}, fmt.Errorf("%w: unexpected message type %q", ErrDecode, env.Type)
	}
	var payload BatchPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return model.Batch{}, fmt.Errorf("%w: batch payload: %v", ErrDecode, err)
	}
	if payload.Topic != key.Topic() {
		return model.Batch{}, fmt.Errorf("%w: topic %q does not match subscription %q",
			ErrDecode, payload.Topic, key.Topic())
	}
	candles := make([]model.Candle, len(payload.Candles))
	for i, wc := range payload.Candles {
		candles[i] = wc.toModel()
	}
	batch := model.NewBatch(key, model.SourceLive, payload.StartSequence, candles)
	if err := batch.Validate(); err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return batch, nil
}

// EncodeBatch builds the wire frame for a batch. Used by the dev
// simulator and by tests.
func EncodeBatch(batch model.Batch) ([]byte, error) {
	candles := make([]WireCandle, len(batch.Points))
	for i, p := range batch.Points {
		candles[i] = ToWireCandle(p.Candle)
	}
	payload, err := json.Marshal(BatchPayload{
		Topic:         batch.Key.Topic(),
		StartSequence: batch.StartSequence,
		Candles:       candles,
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch payload: %w", err)
	}
	return json.Marshal(Envelope{
		SchemaVersion: WireSchemaVersion,
		Type:          TypeBatch,
		Payload:       payload,
	})
}

// EncodeSubscribe builds the subscription frame for a topic.
func EncodeSubscribe(topic string) ([]byte, error) {
	payload, err := json.Marshal(SubscribePayload{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("encode subscribe payload: %w", err)
	}
	return json.Marshal(Envelope{
		SchemaVersion: WireSchemaVersion,
		Type:          TypeSubscribe,
		Payload:       payload,
	})
}
