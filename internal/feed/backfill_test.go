package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/retry"
)

// backfillFixture serves pages out of a fixed candle history, mirroring the
// upstream's range-query semantics: from_sequence is exclusive, sequences
// are 1-based positions in the history.
type backfillFixture struct {
	key       model.StreamKey
	total     uint64
	pageLimit int
	requests  int
}

func (f *backfillFixture) handler(w http.ResponseWriter, r *http.Request) {
	f.requests++
	from, _ := strconv.ParseUint(r.URL.Query().Get("from_sequence"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if f.pageLimit > 0 && limit > f.pageLimit {
		limit = f.pageLimit
	}

	start := from + 1
	var candles []WireCandle
	seq := start
	for len(candles) < limit && seq <= f.total {
		candles = append(candles, WireCandle{TSMillis: int64(seq) * 1000, Close: float64(seq)})
		seq++
	}

	resp := BackfillResponse{
		SchemaVersion: WireSchemaVersion,
		Topic:         f.key.Topic(),
		StartSequence: start,
		Candles:       candles,
		HasMore:       seq <= f.total,
	}
	if resp.HasMore {
		resp.NextSequence = seq
	}
	if len(candles) == 0 {
		resp.StartSequence = 0
		resp.HasMore = false
		resp.NextSequence = 0
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestBackfillClient_FetchRangePaginates(t *testing.T) {
	key := feedKey()
	fixture := &backfillFixture{key: key, total: 25, pageLimit: 10}
	server := httptest.NewServer(http.HandlerFunc(fixture.handler))
	defer server.Close()

	client := NewBackfillClient(server.URL, slog.Default(), WithBackfillLimit(10), WithBackfillRateLimit(1000, 1000))

	var applied []uint64
	err := client.FetchRange(context.Background(), key, 0, 0, func(b model.Batch) error {
		require.NoError(t, b.Validate())
		for _, p := range b.Points {
			applied = append(applied, p.Sequence)
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, applied, 25)
	for i, seq := range applied {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.Equal(t, 3, fixture.requests)
}

func TestBackfillClient_FetchRangeResumesMidHistory(t *testing.T) {
	key := feedKey()
	fixture := &backfillFixture{key: key, total: 10, pageLimit: 100}
	server := httptest.NewServer(http.HandlerFunc(fixture.handler))
	defer server.Close()

	client := NewBackfillClient(server.URL, slog.Default(), WithBackfillRateLimit(1000, 1000))

	var applied []uint64
	err := client.FetchRange(context.Background(), key, 7, 0, func(b model.Batch) error {
		for _, p := range b.Points {
			applied = append(applied, p.Sequence)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 9, 10}, applied)
}

func TestBackfillClient_EmptyHistory(t *testing.T) {
	key := feedKey()
	fixture := &backfillFixture{key: key, total: 0}
	server := httptest.NewServer(http.HandlerFunc(fixture.handler))
	defer server.Close()

	client := NewBackfillClient(server.URL, slog.Default(), WithBackfillRateLimit(1000, 1000))

	err := client.FetchRange(context.Background(), key, 0, 0, func(model.Batch) error {
		t.Fatal("apply should not be called for an empty history")
		return nil
	})
	require.NoError(t, err)
}

func TestBackfillClient_StalledPaginationIsDecodeError(t *testing.T) {
	key := feedKey()
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		// A page that promises more data but carries none and no cursor.
		_ = json.NewEncoder(w).Encode(BackfillResponse{
			SchemaVersion: WireSchemaVersion,
			Topic:         key.Topic(),
			HasMore:       true,
			NextSequence:  0,
		})
	}))
	defer server.Close()

	client := NewBackfillClient(server.URL, slog.Default(), WithBackfillRateLimit(1000, 1000))

	err := client.FetchRange(context.Background(), key, 0, 0, func(model.Batch) error {
		t.Fatal("apply should not be called for an empty page")
		return nil
	})
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, 1, requests, "a stalled page must not be re-requested")
}

func TestBackfillClient_GoneMapsToRangeUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "range evicted", http.StatusGone)
	}))
	defer server.Close()

	client := NewBackfillClient(server.URL, slog.Default(), WithBackfillRateLimit(1000, 1000))
	_, _, err := client.FetchPage(context.Background(), feedKey(), 0, time.Time{})
	require.ErrorIs(t, err, ErrRangeUnavailable)
	assert.False(t, retry.Classify(err).IsTransient())
}

func TestBackfillClient_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "shedding load", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewBackfillClient(server.URL, slog.Default(), WithBackfillRateLimit(1000, 1000))
	_, _, err := client.FetchPage(context.Background(), feedKey(), 0, time.Time{})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, retry.Classify(err).IsTransient())
}

func TestBackfillClient_MisalignedPageIsDecodeError(t *testing.T) {
	key := feedKey()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(BackfillResponse{
			SchemaVersion: WireSchemaVersion,
			Topic:         key.Topic(),
			StartSequence: 99,
			Candles:       []WireCandle{{TSMillis: 1}},
		})
	}))
	defer server.Close()

	client := NewBackfillClient(server.URL, slog.Default(), WithBackfillRateLimit(1000, 1000))
	_, _, err := client.FetchPage(context.Background(), key, 0, time.Time{})
	require.ErrorIs(t, err, ErrDecode)
}
