package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync engine counters and histograms, partitioned by source + symbol + interval.

var streamLabels = []string{"source", "symbol", "interval"}

var (
	// Live subscription
	LiveBatchesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "live",
		Name:      "batches_received_total",
		Help:      "Total live batches received from the push feed",
	}, streamLabels)

	LiveDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "live",
		Name:      "decode_errors_total",
		Help:      "Total live frames dropped as undecodable",
	}, streamLabels)

	LiveBufferDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "live",
		Name:      "buffer_dropped_total",
		Help:      "Total buffered live batches dropped on overflow",
	}, streamLabels)

	LiveReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "live",
		Name:      "reconnects_total",
		Help:      "Total live feed reconnect attempts",
	}, streamLabels)

	// Backfill
	BackfillPagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "backfill",
		Name:      "pages_fetched_total",
		Help:      "Total backfill pages fetched",
	}, streamLabels)

	BackfillErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "backfill",
		Name:      "errors_total",
		Help:      "Total backfill errors (after retry exhaustion)",
	}, streamLabels)

	BackfillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fluxsync",
		Subsystem: "backfill",
		Name:      "round_duration_seconds",
		Help:      "Backfill catch-up round duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, streamLabels)

	// Engine
	EngineBatchesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "batches_applied_total",
		Help:      "Total batches applied to the timeline",
	}, append(streamLabels, "batch_source"))

	EngineDuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "duplicates_dropped_total",
		Help:      "Total batches dropped as entirely at or below the cursor",
	}, streamLabels)

	EngineGapsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "gaps_detected_total",
		Help:      "Total sequence gaps detected ahead of the cursor",
	}, streamLabels)

	EngineGapRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "gap_repairs_total",
		Help:      "Total gap repair rounds completed",
	}, streamLabels)

	EngineCursorSequence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "cursor_sequence",
		Help:      "Latest committed cursor sequence per stream",
	}, streamLabels)

	EnginePhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "phase",
		Help:      "Stream phase (0=DISCONNECTED, 1=CONNECTING, 2=CATCHING_UP, 3=LIVE, 4=GAP_REPAIR, 5=FAULTED)",
	}, streamLabels)

	EngineApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "apply_duration_seconds",
		Help:      "Batch apply duration (timeline write plus cursor advance)",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, streamLabels)

	EngineInboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "inbox_depth",
		Help:      "Current depth of the per-stream apply inbox",
	}, streamLabels)

	// Health
	StreamHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "health_status",
		Help:      "Stream health status (0=UNKNOWN, 1=HEALTHY, 2=UNHEALTHY, 3=INACTIVE)",
	}, streamLabels)

	StreamConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fluxsync",
		Subsystem: "engine",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive apply or transport failures",
	}, streamLabels)

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxsync",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fluxsync",
		Subsystem: "db",
		Name:      "pool_open",
		Help:      "Current number of open database connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fluxsync",
		Subsystem: "db",
		Name:      "pool_in_use",
		Help:      "Current number of in-use database connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fluxsync",
		Subsystem: "db",
		Name:      "pool_idle",
		Help:      "Current number of idle database connections in the pool",
	})
)

// StreamLabelValues returns the label values for a stream in declaration order.
func StreamLabelValues(sourceID, symbol, interval string) []string {
	return []string{sourceID, symbol, interval}
}
