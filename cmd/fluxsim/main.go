// fluxsim is a development feed server. It generates random-walk candle
// history per stream, pushes live batches over WebSocket, and serves the
// backfill and watermark endpoints, with optional fault injection (dropped
// batches, forced gaps, tick jitter) for exercising gap repair.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/feed"
)

type faultConfig struct {
	dropPercent int
	gapEvery    uint64
	jitter      time.Duration
}

type simConfig struct {
	addr      string
	sourceID  string
	interval  string
	symbols   []string
	tick      time.Duration
	batchSize int
	retention int // candles retained for backfill, 0 means unlimited
	fault     faultConfig
}

// streamState is the generated history for one stream. history[i] holds
// sequence baseSeq+i+1; baseSeq rises as retention trims the front.
type streamState struct {
	mu        sync.RWMutex
	key       model.StreamKey
	baseSeq   uint64
	history   []feed.WireCandle
	nextTS    int64
	lastClose float64
}

func newStreamState(key model.StreamKey, startTS time.Time) *streamState {
	return &streamState{
		key:       key,
		nextTS:    startTS.UnixMilli(),
		lastClose: 100.0,
	}
}

func (s *streamState) latest() (uint64, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return s.baseSeq, 0
	}
	return s.baseSeq + uint64(len(s.history)), s.history[len(s.history)-1].TSMillis
}

// earliest returns the oldest retained sequence, 0 when nothing is stored.
func (s *streamState) earliest() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return 0
	}
	return s.baseSeq + 1
}

// grow appends n candles and returns them with the sequence of the first.
func (s *streamState) grow(n int, intervalMS int64, retention int, rng *rand.Rand) (uint64, []feed.WireCandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	firstSeq := s.baseSeq + uint64(len(s.history)) + 1
	out := make([]feed.WireCandle, 0, n)
	for i := 0; i < n; i++ {
		open := s.lastClose
		close := open + (rng.Float64()-0.5)*0.8
		if close < 0.01 {
			close = 0.01
		}
		high := maxf(open, close) + rng.Float64()*0.4
		low := minf(open, close) - rng.Float64()*0.4
		candle := feed.WireCandle{
			TSMillis: s.nextTS,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    close,
			Volume:   float64(int(rng.Float64()*1500) + 1),
		}
		s.history = append(s.history, candle)
		out = append(out, candle)
		s.nextTS += intervalMS
		s.lastClose = close
	}

	if retention > 0 && len(s.history) > retention {
		trim := len(s.history) - retention
		s.baseSeq += uint64(trim)
		s.history = s.history[trim:]
	}
	return firstSeq, out
}

// page returns candles with sequence > fromExclusive, up to limit and
// optionally bounded by endTS. The bool reports whether more remain.
func (s *streamState) page(fromExclusive uint64, limit int, endTSMillis int64) ([]feed.WireCandle, bool, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := int(fromExclusive - s.baseSeq) // index of the first wanted candle
	if fromExclusive < s.baseSeq {
		start = 0
	}
	maxEnd := len(s.history)
	if endTSMillis > 0 {
		for maxEnd > 0 && s.history[maxEnd-1].TSMillis > endTSMillis {
			maxEnd--
		}
	}
	if start >= maxEnd {
		return nil, false, 0
	}
	end := maxEnd
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	hasMore := end < maxEnd
	var next uint64
	if hasMore {
		next = s.baseSeq + uint64(end) + 1
	}
	out := make([]feed.WireCandle, end-start)
	copy(out, s.history[start:end])
	return out, hasMore, next
}

// hub tracks live WebSocket subscribers per topic.
type hub struct {
	mu    sync.RWMutex
	conns map[string]map[string]*subscriberConn // topic -> conn id -> conn
}

type subscriberConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *subscriberConn) writeFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func newHub() *hub {
	return &hub{conns: make(map[string]map[string]*subscriberConn)}
}

func (h *hub) add(topic string, c *subscriberConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[topic] == nil {
		h.conns[topic] = make(map[string]*subscriberConn)
	}
	h.conns[topic][c.id] = c
}

func (h *hub) remove(topic, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[topic], id)
}

func (h *hub) broadcast(topic string, data []byte) {
	h.mu.RLock()
	subs := make([]*subscriberConn, 0, len(h.conns[topic]))
	for _, c := range h.conns[topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if err := c.writeFrame(data); err != nil {
			h.remove(topic, c.id)
			_ = c.conn.Close()
		}
	}
}

type simServer struct {
	cfg     simConfig
	logger  *slog.Logger
	hub     *hub
	streams map[string]*streamState // keyed by topic

	// rng is only touched from the run goroutine.
	rng *rand.Rand

	upgrader websocket.Upgrader
}

func newSimServer(cfg simConfig, logger *slog.Logger) *simServer {
	s := &simServer{
		cfg:     cfg,
		logger:  logger,
		hub:     newHub(),
		streams: make(map[string]*streamState),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	start := time.Now().UTC()
	for _, symbol := range cfg.symbols {
		key := model.StreamKey{SourceID: cfg.sourceID, Symbol: symbol, Interval: cfg.interval}
		s.streams[key.Topic()] = newStreamState(key, start)
	}
	return s
}

func (s *simServer) stream(topic string) (*streamState, bool) {
	st, ok := s.streams[topic]
	return st, ok
}

// run generates candles every tick and pushes them to live subscribers,
// applying the configured fault injection to the pushed (never the stored)
// data.
func (s *simServer) run(ctx context.Context) error {
	intervalMS := intervalMillis(s.cfg.interval)

	for {
		sleep := s.cfg.tick
		if s.cfg.fault.jitter > 0 {
			sleep += time.Duration(s.rng.Int63n(int64(2*s.cfg.fault.jitter))) - s.cfg.fault.jitter
			if sleep < time.Millisecond {
				sleep = time.Millisecond
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		for topic, st := range s.streams {
			firstSeq, candles := st.grow(s.cfg.batchSize, intervalMS, s.cfg.retention, s.rng)

			// Split the generated run into published sub-runs around
			// dropped and gapped sequences.
			runStart := firstSeq
			var run []feed.WireCandle
			flush := func() {
				if len(run) == 0 {
					return
				}
				s.publish(topic, st.key, runStart, run)
				run = nil
			}
			for i, candle := range candles {
				seq := firstSeq + uint64(i)
				dropped := s.cfg.fault.dropPercent > 0 && s.rng.Intn(100) < s.cfg.fault.dropPercent
				gapped := s.cfg.fault.gapEvery > 0 && seq%s.cfg.fault.gapEvery == 0
				if dropped || gapped {
					flush()
					runStart = seq + 1
					continue
				}
				if len(run) == 0 {
					runStart = seq
				}
				run = append(run, candle)
			}
			flush()
		}
	}
}

func (s *simServer) publish(topic string, key model.StreamKey, startSeq uint64, candles []feed.WireCandle) {
	modelCandles := make([]model.Candle, len(candles))
	for i, wc := range candles {
		modelCandles[i] = model.Candle{
			TS:     time.UnixMilli(wc.TSMillis).UTC(),
			Open:   wc.Open,
			High:   wc.High,
			Low:    wc.Low,
			Close:  wc.Close,
			Volume: wc.Volume,
		}
	}
	frame, err := feed.EncodeBatch(model.NewBatch(key, model.SourceLive, startSeq, modelCandles))
	if err != nil {
		s.logger.Error("encode batch failed", "topic", topic, "error", err)
		return
	}
	s.hub.broadcast(topic, frame)
}

func (s *simServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	env, err := feed.DecodeEnvelope(data)
	if err != nil || env.Type != feed.TypeSubscribe {
		s.logger.Warn("invalid subscribe frame", "error", err)
		_ = conn.Close()
		return
	}
	var sub feed.SubscribePayload
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		_ = conn.Close()
		return
	}
	if _, ok := s.stream(sub.Topic); !ok {
		s.logger.Warn("subscribe to unknown topic", "topic", sub.Topic)
		_ = conn.Close()
		return
	}

	sc := &subscriberConn{id: uuid.NewString(), conn: conn}
	s.hub.add(sub.Topic, sc)
	s.logger.Info("subscriber connected", "conn_id", sc.id, "topic", sub.Topic)

	// Drain control frames until the peer goes away.
	go func() {
		defer func() {
			s.hub.remove(sub.Topic, sc.id)
			_ = conn.Close()
			s.logger.Info("subscriber disconnected", "conn_id", sc.id, "topic", sub.Topic)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *simServer) handleBackfill(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	st, ok := s.stream(topic)
	if !ok {
		http.Error(w, `{"error":"unknown topic"}`, http.StatusNotFound)
		return
	}

	fromExclusive, err := strconv.ParseUint(r.URL.Query().Get("from_sequence"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"invalid from_sequence"}`, http.StatusBadRequest)
		return
	}
	limit := feed.DefaultBackfillLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
	}
	var endTS int64
	if raw := r.URL.Query().Get("end_ts_ms"); raw != "" {
		if endTS, err = strconv.ParseInt(raw, 10, 64); err != nil {
			http.Error(w, `{"error":"invalid end_ts_ms"}`, http.StatusBadRequest)
			return
		}
	}

	// Requests below the retention floor are gone, not empty.
	if earliest := st.earliest(); earliest > 0 && fromExclusive+1 < earliest {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]uint64{"earliest_sequence": earliest})
		return
	}

	candles, hasMore, next := st.page(fromExclusive, limit, endTS)
	resp := feed.BackfillResponse{
		SchemaVersion: feed.WireSchemaVersion,
		Topic:         topic,
		StartSequence: fromExclusive + 1,
		Candles:       candles,
		HasMore:       hasMore,
		NextSequence:  next,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *simServer) handleWatermark(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	st, ok := s.stream(topic)
	if !ok {
		http.Error(w, `{"error":"unknown topic"}`, http.StatusNotFound)
		return
	}

	latestSeq, latestTS := st.latest()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"schema_version":  feed.WireSchemaVersion,
		"topic":           topic,
		"latest_sequence": latestSeq,
		"latest_ts_ms":    latestTS,
	})
}

func (s *simServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/backfill", s.handleBackfill)
	mux.HandleFunc("GET /api/watermark", s.handleWatermark)
	return mux
}

func intervalMillis(interval string) int64 {
	d, err := model.StreamKey{SourceID: "x", Symbol: "x", Interval: interval}.IntervalDuration()
	if err != nil {
		return 1000
	}
	return d.Milliseconds()
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func main() {
	var (
		addr        = flag.String("addr", ":9800", "listen address")
		sourceID    = flag.String("source", "SIM", "source id for generated streams")
		interval    = flag.String("interval", "1s", "candle interval (1s, 5s, 1m, ...)")
		symbols     = flag.String("symbols", "BTC-USD", "comma-separated symbols")
		tickMS      = flag.Int("tick-ms", 250, "generation tick in milliseconds")
		batchSize   = flag.Int("batch-size", 50, "candles generated per tick per stream")
		retention   = flag.Int("retention", 0, "candles retained for backfill (0 = unlimited)")
		dropPercent = flag.Int("drop-percent", 0, "percent of live candles to drop (stored but never pushed)")
		gapEvery    = flag.Uint64("gap-every", 0, "drop every Nth sequence from the live push (0 = off)")
		jitterMS    = flag.Int("jitter-ms", 0, "random tick jitter in milliseconds")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := simConfig{
		addr:      *addr,
		sourceID:  *sourceID,
		interval:  *interval,
		tick:      time.Duration(*tickMS) * time.Millisecond,
		batchSize: *batchSize,
		retention: *retention,
		fault: faultConfig{
			dropPercent: min(*dropPercent, 100),
			gapEvery:    *gapEvery,
			jitter:      time.Duration(*jitterMS) * time.Millisecond,
		},
	}
	for _, symbol := range strings.Split(*symbols, ",") {
		if symbol = strings.TrimSpace(symbol); symbol != "" {
			cfg.symbols = append(cfg.symbols, symbol)
		}
	}
	if len(cfg.symbols) == 0 {
		logger.Error("at least one symbol is required")
		os.Exit(1)
	}

	sim := newSimServer(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{Addr: cfg.addr, Handler: sim.handler()}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.run(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("fluxsim listening",
			"addr", cfg.addr,
			"streams", len(cfg.symbols),
			"drop_percent", cfg.fault.dropPercent,
			"gap_every", cfg.fault.gapEvery)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("sim server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("fluxsim exited with error", "error", err)
		os.Exit(1)
	}
}
