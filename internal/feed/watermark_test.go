package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermarkClient_Fetch(t *testing.T) {
	key := feedKey()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, key.Topic(), r.URL.Query().Get("topic"))
		_ = json.NewEncoder(w).Encode(WatermarkResponse{
			SchemaVersion:  WireSchemaVersion,
			Topic:          key.Topic(),
			LatestSequence: 12345,
			LatestTSMillis: 1_700_000_000_000,
		})
	}))
	defer server.Close()

	client := NewWatermarkClient(server.URL, slog.Default())
	wm, err := client.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), wm.LatestSequence)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), wm.LatestEventTime)
	assert.False(t, wm.ObservedAt.IsZero())
}

func TestWatermarkClient_EmptyUpstream(t *testing.T) {
	key := feedKey()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(WatermarkResponse{SchemaVersion: WireSchemaVersion, Topic: key.Topic()})
	}))
	defer server.Close()

	client := NewWatermarkClient(server.URL, slog.Default())
	wm, err := client.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), wm.LatestSequence)
}

func TestWatermarkClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewWatermarkClient(server.URL, slog.Default())
	_, err := client.Fetch(context.Background(), feedKey())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestWatermarkClient_SchemaMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(WatermarkResponse{SchemaVersion: 9})
	}))
	defer server.Close()

	client := NewWatermarkClient(server.URL, slog.Default())
	_, err := client.Fetch(context.Background(), feedKey())
	require.ErrorIs(t, err, ErrDecode)
}
