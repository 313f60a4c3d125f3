package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/engine"
	"github.com/fluxhq/fluxsync/internal/store"
)

type fakeController struct {
	statuses map[model.StreamKey]engine.StreamStatus
	resets   []uint64
	resumes  []uint64
}

func (f *fakeController) Snapshot() []engine.StreamStatus {
	out := make([]engine.StreamStatus, 0, len(f.statuses))
	for _, s := range f.statuses {
		out = append(out, s)
	}
	return out
}

func (f *fakeController) Status(key model.StreamKey) (engine.StreamStatus, error) {
	s, ok := f.statuses[key]
	if !ok {
		return engine.StreamStatus{}, engine.ErrUnknownStream
	}
	return s, nil
}

func (f *fakeController) Reset(_ context.Context, _ model.StreamKey, seq uint64) error {
	f.resets = append(f.resets, seq)
	return nil
}

func (f *fakeController) ResumeAt(_ context.Context, _ model.StreamKey, seq uint64) error {
	f.resumes = append(f.resumes, seq)
	return nil
}

func newTestServer(t *testing.T, ctrl *fakeController, opts ...ServerOption) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(ctrl, logger, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func adminKey() model.StreamKey {
	return model.StreamKey{SourceID: "SIM", Symbol: "BTC-USD", Interval: "1m"}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListStreams(t *testing.T) {
	key := adminKey()
	ctrl := &fakeController{statuses: map[model.StreamKey]engine.StreamStatus{
		key: {Key: key, Stream: key.String(), Phase: model.PhaseLive, LastAppliedSequence: 42},
	}}
	srv := newTestServer(t, ctrl)

	resp, err := http.Get(srv.URL + "/admin/v1/streams")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []engine.StreamStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "SIM:BTC-USD:1m", got[0].Stream)
	assert.Equal(t, uint64(42), got[0].LastAppliedSequence)
}

func TestStreamStatus(t *testing.T) {
	key := adminKey()
	ctrl := &fakeController{statuses: map[model.StreamKey]engine.StreamStatus{
		key: {Key: key, Stream: key.String(), Phase: model.PhaseGapRepair},
	}}
	srv := newTestServer(t, ctrl)

	resp, err := http.Get(srv.URL + "/admin/v1/streams/status?source=SIM&symbol=BTC-USD&interval=1m")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got engine.StreamStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, model.PhaseGapRepair, got.Phase)
}

func TestStreamStatusUnknown(t *testing.T) {
	srv := newTestServer(t, &fakeController{statuses: map[model.StreamKey]engine.StreamStatus{}})

	resp, err := http.Get(srv.URL + "/admin/v1/streams/status?source=SIM&symbol=NOPE&interval=1m")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamStatusMissingParams(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/admin/v1/streams/status?source=SIM")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResetStream(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl)

	body := `{"source":"SIM","symbol":"BTC-USD","interval":"1m","sequence":0}`
	resp, err := http.Post(srv.URL+"/admin/v1/streams/reset", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []uint64{0}, ctrl.resets)
}

func TestResumeStreamRequiresSequence(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl)

	body := `{"source":"SIM","symbol":"BTC-USD","interval":"1m","sequence":0}`
	resp, err := http.Post(srv.URL+"/admin/v1/streams/resume", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, ctrl.resumes)
}

func TestResumeStream(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl)

	body := `{"source":"SIM","symbol":"BTC-USD","interval":"1m","sequence":7500}`
	resp, err := http.Post(srv.URL+"/admin/v1/streams/resume", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []uint64{7500}, ctrl.resumes)
}

func TestResetInvalidBody(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Post(srv.URL+"/admin/v1/streams/reset", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTimelineRead(t *testing.T) {
	ctx := context.Background()
	key := adminKey()
	mem := store.NewMemory()

	points := []model.DataPoint{
		{Sequence: 1, EventTime: time.Unix(1, 0).UTC(), Candle: model.Candle{Close: 1}},
		{Sequence: 2, EventTime: time.Unix(2, 0).UTC(), Candle: model.Candle{Close: 2}},
		{Sequence: 3, EventTime: time.Unix(3, 0).UTC(), Candle: model.Candle{Close: 3}},
	}
	require.NoError(t, mem.AppendCandles(ctx, key, points))

	srv := newTestServer(t, &fakeController{}, WithTimelineRepo(mem))

	resp, err := http.Get(srv.URL + "/admin/v1/timeline?source=SIM&symbol=BTC-USD&interval=1m&from=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Stream  string            `json:"stream"`
		Candles []model.DataPoint `json:"candles"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "SIM:BTC-USD:1m", got.Stream)
	require.Len(t, got.Candles, 2)
	assert.Equal(t, uint64(2), got.Candles[0].Sequence)
}

func TestTimelineUnavailableWithoutRepo(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/admin/v1/timeline?source=SIM&symbol=BTC-USD&interval=1m")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
