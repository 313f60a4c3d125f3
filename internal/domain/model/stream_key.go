package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StreamKey identifies one logical ordered candle stream. It is a value
// type and is used as the map key for all per-stream state; two streams
// must never share a key.
type StreamKey struct {
	SourceID string
	Symbol   string
	Interval string
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.SourceID, k.Symbol, k.Interval)
}

// Topic returns the pub/sub topic the upstream publishes this stream on.
func (k StreamKey) Topic() string {
	return fmt.Sprintf("candles.%s.%s.%s", k.SourceID, k.Symbol, k.Interval)
}

func (k StreamKey) Validate() error {
	if strings.TrimSpace(k.SourceID) == "" {
		return fmt.Errorf("stream key: empty source id")
	}
	if strings.TrimSpace(k.Symbol) == "" {
		return fmt.Errorf("stream key: empty symbol")
	}
	if _, err := k.IntervalDuration(); err != nil {
		return err
	}
	return nil
}

// IntervalDuration parses the interval component ("1s", "5m", "1h", "1d").
func (k StreamKey) IntervalDuration() (time.Duration, error) {
	raw := strings.TrimSpace(k.Interval)
	if len(raw) < 2 {
		return 0, fmt.Errorf("stream key: invalid interval %q", k.Interval)
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("stream key: invalid interval %q", k.Interval)
	}
	switch raw[len(raw)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("stream key: invalid interval %q", k.Interval)
	}
}

// ParseStreamKey parses the "source:symbol:interval" form produced by String.
func ParseStreamKey(s string) (StreamKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return StreamKey{}, fmt.Errorf("parse stream key %q: want source:symbol:interval", s)
	}
	key := StreamKey{SourceID: parts[0], Symbol: parts[1], Interval: parts[2]}
	if err := key.Validate(); err != nil {
		return StreamKey{}, fmt.Errorf("parse stream key %q: %w", s, err)
	}
	return key, nil
}
