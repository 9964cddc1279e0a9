package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// transformation engine.
type Metrics struct {
	EventsConsumed   prometheus.Counter
	EventsEmitted    prometheus.Counter
	ValidationErrors prometheus.Counter
	EnrichmentMisses prometheus.Counter
	ScoringFailures  prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Event-time progress and windowing.
	WatermarkSeconds  prometheus.Gauge
	OpenWindows       prometheus.Gauge
	OpenSessions      prometheus.Gauge
	WindowsClosed     *prometheus.CounterVec // label: kind={trend,kpi,reliability}
	LateEventsDropped *prometheus.CounterVec // label: stage={window,kpi,reliability,session,trend}
	SessionsOpened    prometheus.Counter
	SessionsClosed    prometheus.Counter

	// Delivery.
	SinkRetries     *prometheus.CounterVec   // label: branch
	SinkDeadLetters *prometheus.CounterVec   // label: branch
	SinkWriteSecs   *prometheus.HistogramVec // label: branch

	// Checkpointing.
	CheckpointsSaved  prometheus.Counter
	ProcessingSeconds prometheus.Histogram
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.EventsConsumed,
		m.EventsEmitted,
		m.ValidationErrors,
		m.EnrichmentMisses,
		m.ScoringFailures,
		m.PipelineRunning,
		m.WatermarkSeconds,
		m.OpenWindows,
		m.OpenSessions,
		m.WindowsClosed,
		m.LateEventsDropped,
		m.SessionsOpened,
		m.SessionsClosed,
		m.SinkRetries,
		m.SinkDeadLetters,
		m.SinkWriteSecs,
		m.CheckpointsSaved,
		m.ProcessingSeconds,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering, to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "events_consumed_total",
			Help:      "Total raw events read from the source topic.",
		}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "events_emitted_total",
			Help:      "Total enriched events emitted downstream.",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "validation_errors_total",
			Help:      "Events flagged is_error by validation. Flagged events still flow.",
		}),
		EnrichmentMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "enrichment_misses_total",
			Help:      "Dimension lookups that missed.",
		}),
		ScoringFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "scoring_failures_total",
			Help:      "External model scoring calls that errored or timed out.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "farm_engine",
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		WatermarkSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "farm_engine",
			Name:      "watermark_timestamp_seconds",
			Help:      "Current global event-time watermark as a Unix timestamp.",
		}),
		OpenWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "farm_engine",
			Name:      "open_windows",
			Help:      "Open window accumulators across all kinds.",
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "farm_engine",
			Name:      "open_sessions",
			Help:      "Sessions currently open (active or cooling).",
		}),
		WindowsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "windows_closed_total",
			Help:      "Windows closed and emitted, by kind.",
		}, []string{"kind"}),
		LateEventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "late_events_dropped_total",
			Help:      "Events dropped because their window or session already closed.",
		}, []string{"stage"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "sessions_opened_total",
			Help:      "Dry-spell sessions opened.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "sessions_closed_total",
			Help:      "Dry-spell sessions closed and emitted.",
		}),
		SinkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "sink_retries_total",
			Help:      "Sink write retries, by branch.",
		}, []string{"branch"}),
		SinkDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "sink_dead_letters_total",
			Help:      "Records spilled to the dead-letter area, by branch.",
		}, []string{"branch"}),
		SinkWriteSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "farm_engine",
			Name:      "sink_write_seconds",
			Help:      "Sink write duration including retries, by branch.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"branch"}),
		CheckpointsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farm_engine",
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoint snapshots persisted.",
		}),
		ProcessingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "farm_engine",
			Name:      "event_processing_seconds",
			Help:      "Per-event processing duration through the full stage chain.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
}
