// Package admin exposes the operational HTTP API: stream status, cursor
// reset and resume, timeline reads, health, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/engine"
	"github.com/fluxhq/fluxsync/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// StreamController is the engine surface the admin server drives. Satisfied
// by *engine.Engine; tests can provide a mock.
type StreamController interface {
	Snapshot() []engine.StreamStatus
	Status(key model.StreamKey) (engine.StreamStatus, error)
	Reset(ctx context.Context, key model.StreamKey, seq uint64) error
	ResumeAt(ctx context.Context, key model.StreamKey, seq uint64) error
}

// Server provides the HTTP-based admin API for operational management.
type Server struct {
	controller StreamController
	timeline   store.TimelineRepository
	logger     *slog.Logger
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithTimelineRepo enables the read-only timeline endpoint.
func WithTimelineRepo(repo store.TimelineRepository) ServerOption {
	return func(s *Server) { s.timeline = repo }
}

// NewServer creates the admin API server.
func NewServer(controller StreamController, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		controller: controller,
		logger:     logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /admin/v1/streams", s.handleListStreams)
	mux.HandleFunc("GET /admin/v1/streams/status", s.handleStreamStatus)
	mux.HandleFunc("POST /admin/v1/streams/reset", s.handleReset)
	mux.HandleFunc("POST /admin/v1/streams/resume", s.handleResume)
	mux.HandleFunc("GET /admin/v1/timeline", s.handleTimeline)

	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// requireStreamKeyQuery extracts and validates source/symbol/interval from
// query params. Returns false (and writes an error response) on failure.
func requireStreamKeyQuery(w http.ResponseWriter, r *http.Request) (model.StreamKey, bool) {
	key := model.StreamKey{
		SourceID: r.URL.Query().Get("source"),
		Symbol:   r.URL.Query().Get("symbol"),
		Interval: r.URL.Query().Get("interval"),
	}
	if err := key.Validate(); err != nil {
		http.Error(w, `{"error":"source, symbol, and interval query params required"}`, http.StatusBadRequest)
		return model.StreamKey{}, false
	}
	return key, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := requireStreamKeyQuery(w, r)
	if !ok {
		return
	}

	status, err := s.controller.Status(key)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownStream) {
			http.Error(w, `{"error":"stream not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("stream status failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

type cursorRequest struct {
	Source   string `json:"source"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Sequence uint64 `json:"sequence"`
}

func (r cursorRequest) key() model.StreamKey {
	return model.StreamKey{SourceID: r.Source, Symbol: r.Symbol, Interval: r.Interval}
}

// handleReset clears a stream's fault and forces its cursor to the given
// sequence. Sequence 0 replays the stream from the beginning.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req cursorRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	key := req.key()
	if err := key.Validate(); err != nil {
		http.Error(w, `{"error":"source, symbol, and interval are required"}`, http.StatusBadRequest)
		return
	}

	if err := s.controller.Reset(r.Context(), key, req.Sequence); err != nil {
		s.logger.Error("stream reset failed", "stream", key.String(), "error", err)
		http.Error(w, `{"error":"reset failed"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("stream reset via admin API", "stream", key.String(), "sequence", req.Sequence)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleResume forces the cursor forward, deliberately skipping everything
// at or below the given sequence. Requires a nonzero sequence.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req cursorRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	key := req.key()
	if err := key.Validate(); err != nil {
		http.Error(w, `{"error":"source, symbol, and interval are required"}`, http.StatusBadRequest)
		return
	}
	if req.Sequence == 0 {
		http.Error(w, `{"error":"sequence must be > 0; use reset to replay from the beginning"}`, http.StatusBadRequest)
		return
	}

	if err := s.controller.ResumeAt(r.Context(), key, req.Sequence); err != nil {
		s.logger.Error("stream resume failed", "stream", key.String(), "error", err)
		http.Error(w, `{"error":"resume failed"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("stream resumed via admin API", "stream", key.String(), "sequence", req.Sequence)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type timelineResponse struct {
	Stream  string            `json:"stream"`
	From    uint64            `json:"from"`
	To      uint64            `json:"to,omitempty"`
	Candles []model.DataPoint `json:"candles"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.timeline == nil {
		http.Error(w, `{"error":"timeline not available"}`, http.StatusServiceUnavailable)
		return
	}

	key, ok := requireStreamKeyQuery(w, r)
	if !ok {
		return
	}

	from, err := queryUint(r, "from", 1)
	if err != nil {
		http.Error(w, `{"error":"invalid from value"}`, http.StatusBadRequest)
		return
	}
	to, err := queryUint(r, "to", 0)
	if err != nil {
		http.Error(w, `{"error":"invalid to value"}`, http.StatusBadRequest)
		return
	}

	points, err := s.timeline.LoadCandles(r.Context(), key, from, to)
	if err != nil {
		s.logger.Error("timeline read failed", "stream", key.String(), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, timelineResponse{
		Stream:  key.String(),
		From:    from,
		To:      to,
		Candles: points,
	})
}

func queryUint(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
