package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agrolytix/farm-insights-engine/internal/anomaly"
	"github.com/agrolytix/farm-insights-engine/internal/checkpoint"
	"github.com/agrolytix/farm-insights-engine/internal/dimension"
	"github.com/agrolytix/farm-insights-engine/internal/domain"
	"github.com/agrolytix/farm-insights-engine/internal/observability"
	"github.com/agrolytix/farm-insights-engine/internal/session"
	"github.com/agrolytix/farm-insights-engine/internal/sink"
	"github.com/agrolytix/farm-insights-engine/internal/watermark"
	"github.com/agrolytix/farm-insights-engine/internal/window"
)

// workerState is a worker's reply to a checkpoint request: the serializable
// snapshot plus, per source partition, the newest message this worker has
// fully processed. The coordinator decides which of those offsets is safe to
// commit; a worker alone cannot know, because one source partition's events
// interleave across all workers.
type workerState struct {
	snap    checkpoint.Snapshot
	commits map[int]commitPoint
}

// commitPoint carries the offset-commit callback for one processed message.
type commitPoint struct {
	offset int64
	commit func(ctx context.Context) error
}

// Worker owns one partition of locations. All window, session, and baseline
// state for those locations lives here and is touched by no other goroutine,
// so the per-event hot path needs no locks.
type Worker struct {
	id      int
	in      chan domain.RawEvent
	stateRq chan chan workerState

	normalizer *domain.Normalizer
	dims       dimension.Provider
	detector   *anomaly.Detector
	baselines  *anomaly.Baselines
	aggregator *window.Aggregator
	sessions   *session.Sessionizer
	tracker    *watermark.Tracker
	router     *sink.Router

	// lastRaw tracks the newest message per source-topic partition so the
	// coordinator can commit offsets after a checkpoint lands.
	lastRaw map[int]domain.RawEvent
	offsets map[int]int64

	ready   *atomic.Bool
	logger  *slog.Logger
	metrics *observability.Metrics
}

func newWorker(id, queueDepth int, normalizer *domain.Normalizer, dims dimension.Provider,
	baselines *anomaly.Baselines, detector *anomaly.Detector, aggregator *window.Aggregator,
	sessions *session.Sessionizer, tracker *watermark.Tracker, router *sink.Router,
	ready *atomic.Bool, logger *slog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		id:         id,
		in:         make(chan domain.RawEvent, queueDepth),
		stateRq:    make(chan chan workerState),
		normalizer: normalizer,
		dims:       dims,
		detector:   detector,
		baselines:  baselines,
		aggregator: aggregator,
		sessions:   sessions,
		tracker:    tracker,
		router:     router,
		lastRaw:    make(map[int]domain.RawEvent),
		offsets:    make(map[int]int64),
		ready:      ready,
		logger:     logger.With("worker", id),
		metrics:    metrics,
	}
}

// run processes events in arrival order until the context is cancelled.
// Checkpoint requests are served between events, never mid-event, so a
// snapshot is always a consistent state.
func (w *Worker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-w.stateRq:
			reply <- w.state()
		case raw := <-w.in:
			w.process(ctx, raw)
		}
	}
}

func (w *Worker) process(ctx context.Context, raw domain.RawEvent) {
	start := time.Now()
	w.metrics.EventsConsumed.Inc()

	ev, err := w.normalizer.Normalize(raw)
	if err != nil {
		// Unparseable payload: the flagged placeholder still flows so the
		// bad record stays visible downstream.
		w.logger.Warn("malformed sensor payload",
			"error", err, "topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
	if ev.IsError {
		w.metrics.ValidationErrors.Inc()
	}

	ev = dimension.Join(ev, w.dims)
	if ev.Meta == nil {
		w.metrics.EnrichmentMisses.Inc()
	}
	ev = domain.Enrich(ev)
	ev = w.detector.Flag(ctx, ev)

	w.tracker.Observe(w.id, ev.EventTime)
	wm := w.tracker.Global()
	if !wm.IsZero() {
		w.metrics.WatermarkSeconds.Set(float64(wm.Unix()))
	}

	records := []sink.Record{sink.EventRecord(ev)}

	w.aggregator.Observe(ev)
	if closed := w.aggregator.Advance(wm); !closed.Empty() {
		for _, t := range closed.Trends {
			records = append(records, sink.TrendRecord(t))
		}
		for _, k := range closed.Kpis {
			records = append(records, sink.KpiRecord(k))
		}
		for _, r := range closed.Reliability {
			records = append(records, sink.ReliabilityRecord(r))
		}
	}

	if rec := w.sessions.Observe(ev); rec != nil {
		records = append(records, sink.SessionRecord(*rec))
	}
	for _, rec := range w.sessions.Advance(wm) {
		records = append(records, sink.SessionRecord(rec))
	}

	if err := w.router.Dispatch(ctx, records); err != nil {
		// Dead-letter spill failed on top of the sink failure. Nothing more
		// to do per-event; the error is already logged with context.
		w.logger.Error("record delivery lost", "error", err, "records", len(records))
	}

	w.offsets[raw.Partition] = raw.Offset
	w.lastRaw[raw.Partition] = raw

	w.metrics.EventsEmitted.Inc()
	w.metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
	w.ready.Store(true)
}

// state builds the checkpoint snapshot and the pending commit points.
func (w *Worker) state() workerState {
	offsets := make(map[int]int64, len(w.offsets))
	for p, o := range w.offsets {
		offsets[p] = o
	}

	commits := make(map[int]commitPoint, len(w.lastRaw))
	for p, raw := range w.lastRaw {
		if raw.Commit != nil {
			commits[p] = commitPoint{offset: raw.Offset, commit: raw.Commit}
		}
	}
	w.lastRaw = make(map[int]domain.RawEvent)

	return workerState{
		snap: checkpoint.Snapshot{
			Partition:     w.id,
			Offsets:       offsets,
			WatermarkHigh: w.tracker.High(w.id),
			Windows:       w.aggregator.Snapshot(),
			Sessions:      w.sessions.Snapshot(),
			Baselines:     w.baselines.Snapshot(),
			SavedAt:       time.Now().UTC(),
		},
		commits: commits,
	}
}

// restore loads a checkpoint snapshot into the worker's stage state.
func (w *Worker) restore(snap checkpoint.Snapshot) {
	w.aggregator.Restore(snap.Windows)
	w.sessions.Restore(snap.Sessions)
	w.baselines.Restore(snap.Baselines)
	w.tracker.Restore(w.id, snap.WatermarkHigh)
	for p, o := range snap.Offsets {
		w.offsets[p] = o
	}
}
