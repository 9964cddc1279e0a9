// Package pipeline wires the transformation stages into one streaming graph:
// a dispatcher hashes incoming events to partition workers, each worker runs
// the normalize→join→score→window→session chain for its locations, and the
// coordinator drives checkpoints and watermark-based progress.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/agrolytix/farm-insights-engine/internal/anomaly"
	"github.com/agrolytix/farm-insights-engine/internal/checkpoint"
	"github.com/agrolytix/farm-insights-engine/internal/config"
	"github.com/agrolytix/farm-insights-engine/internal/dimension"
	"github.com/agrolytix/farm-insights-engine/internal/domain"
	"github.com/agrolytix/farm-insights-engine/internal/observability"
	"github.com/agrolytix/farm-insights-engine/internal/session"
	"github.com/agrolytix/farm-insights-engine/internal/sink"
	"github.com/agrolytix/farm-insights-engine/internal/watermark"
	"github.com/agrolytix/farm-insights-engine/internal/window"
)

// maxConsecutiveExtractFailures bounds source retries: the engine halts on
// input-source disconnection rather than spinning forever against a dead broker.
const maxConsecutiveExtractFailures = 10

// stateRequestTimeout bounds how long the checkpoint sweep waits on a single
// worker. A worker wedged in a slow sink write delays its own offset commits
// but must not stall snapshots for the rest of the fleet.
const stateRequestTimeout = 2 * time.Second

// BatchExtractor reads up to batchSize raw events from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Coordinator owns the worker set, the dispatcher, and the checkpoint loop.
type Coordinator struct {
	cfg       *config.Config
	extractor BatchExtractor
	workers   []*Worker
	tracker   *watermark.Tracker
	store     checkpoint.Store
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool

	// Offset bookkeeping. Workers are keyed by location hash while offsets
	// belong to source partitions, so one source partition's events fan out
	// across all workers. dispatched records the highest offset routed to each
	// worker per source partition; candidates holds commit callbacks waiting
	// for the low-water mark to pass their offset.
	commitMu   sync.Mutex
	dispatched map[int]map[int]int64
	candidates map[int][]commitPoint
}

// New builds the full streaming graph: one worker per partition, each with
// its own aggregator, sessionizer, and anomaly baselines.
func New(cfg *config.Config, extractor BatchExtractor, dims dimension.Provider,
	scorer anomaly.Scorer, router *sink.Router, store checkpoint.Store,
	clk clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {

	c := &Coordinator{
		cfg:        cfg,
		extractor:  extractor,
		tracker:    watermark.NewTracker(cfg.PartitionCount, cfg.AllowedLateness),
		store:      store,
		clock:      clk,
		logger:     logger,
		metrics:    metrics,
		dispatched: make(map[int]map[int]int64),
		candidates: make(map[int][]commitPoint),
	}

	windowCfg := window.Config{
		TrendWindow:       cfg.TrendWindow,
		ReliabilityWindow: time.Hour,
	}
	sessionCfg := session.Config{
		DryThreshold: cfg.SessionDryThreshold,
		MinDuration:  cfg.SessionMinDuration,
		Cooldown:     cfg.SessionCooldown,
	}

	c.workers = make([]*Worker, cfg.PartitionCount)
	for i := range c.workers {
		baselines := anomaly.NewBaselines(cfg.EwmaAlpha, cfg.AnomalyMinSamples)
		c.workers[i] = newWorker(
			i,
			cfg.BatchSize,
			domain.NewNormalizer(cfg.MaxTimestampSkew),
			dims,
			baselines,
			anomaly.NewDetector(baselines, scorer, cfg.ZScoreThreshold, cfg.ModelTimeout, logger, metrics),
			window.NewAggregator(windowCfg, metrics),
			session.NewSessionizer(sessionCfg, metrics),
			c.tracker,
			router,
			&c.ready,
			logger,
			metrics,
		)
	}
	return c
}

// CheckReadiness returns nil once the pipeline has processed at least one
// event, or an error describing why the service is not yet ready.
func (c *Coordinator) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("pipeline has not processed any events yet")
	}
	return nil
}

// Run recovers checkpointed state, then runs the workers, the dispatcher,
// and the checkpoint loop until the context is cancelled or a fatal error
// occurs. A corrupt checkpoint is fatal: the engine refuses to resume from
// inconsistent state.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.recover(); err != nil {
		return err
	}

	c.logger.Info("pipeline started",
		"partitions", c.cfg.PartitionCount,
		"window", c.cfg.TrendWindow,
		"allowed_lateness", c.cfg.AllowedLateness,
	)
	c.metrics.PipelineRunning.Set(1)
	defer c.metrics.PipelineRunning.Set(0)

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range c.workers {
		g.Go(func() error { return w.run(ctx) })
	}
	g.Go(func() error { return c.dispatch(ctx) })
	g.Go(func() error { return c.checkpointLoop(ctx) })

	return g.Wait()
}

func (c *Coordinator) recover() error {
	for _, w := range c.workers {
		snap, ok, err := c.store.Load(w.id)
		if err != nil {
			return fmt.Errorf("recover partition %d: %w", w.id, err)
		}
		if !ok {
			continue
		}
		w.restore(snap)
		c.logger.Info("partition state recovered",
			"partition", w.id, "saved_at", snap.SavedAt, "watermark_high", snap.WatermarkHigh)
	}
	return nil
}

// dispatch reads source batches and routes each event to its partition
// worker by location hash. Within a partition, channel order preserves
// arrival order.
func (c *Coordinator) dispatch(ctx context.Context) error {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := c.extractor.ExtractBatch(ctx, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= maxConsecutiveExtractFailures {
				return fmt.Errorf("input source unavailable after %d attempts: %w", failures, err)
			}
			c.logger.Error("extract batch failed", "error", err, "consecutive_failures", failures)
			if !sleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		failures = 0
		backoff = 200 * time.Millisecond

		for _, raw := range batch {
			w := c.workers[c.partitionFor(raw)]
			// Record the routing before the handoff: the checkpoint sweep must
			// see an in-flight event as pending, never as absent.
			c.noteDispatch(raw.Partition, w.id, raw.Offset)
			select {
			case <-ctx.Done():
				return nil
			case w.in <- raw:
			}
		}
	}
}

// partitionFor hashes the event's location so all state for one location
// lands on exactly one worker. The key carries the location; a keyless
// message falls back to a cheap payload scan.
func (c *Coordinator) partitionFor(raw domain.RawEvent) int {
	location := string(raw.Key)
	if location == "" {
		var probe struct {
			Location string `json:"location"`
		}
		_ = json.Unmarshal(raw.Value, &probe)
		location = probe.Location
	}

	h := fnv.New32a()
	h.Write([]byte(location))
	return int(h.Sum32() % uint32(len(c.workers)))
}

// checkpointLoop periodically snapshots every worker and persists each
// partition's state as one atomic unit, then commits source offsets. Offsets
// are only committed after the snapshot is durable, so a crash between the
// two replays events the sinks already absorbed. The sinks tolerate replay by
// natural-key upsert and dedup.
func (c *Coordinator) checkpointLoop(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			c.checkpoint(ctx)
		}
	}
}

// checkpoint snapshots every worker and persists each partition's state, then
// commits source offsets up to the low-water mark across workers. Offsets are
// committed only when every worker's snapshot from this sweep is durable: a
// crash between checkpoint and commit replays events the sinks already
// absorbed, which they tolerate by natural-key upsert and dedup. The reverse
// order would skip events on restart.
func (c *Coordinator) checkpoint(ctx context.Context) {
	states := make([]workerState, 0, len(c.workers))
	complete := true

	for _, w := range c.workers {
		st, ok := c.requestState(ctx, w)
		if !ok {
			complete = false
			continue
		}
		// Merge commit callbacks even when the save below fails: the worker
		// has already handed them off, and they stay safe to run once a later
		// sweep covers their offsets.
		c.holdCandidates(st.commits)

		if err := c.store.Save(st.snap); err != nil {
			c.logger.Error("checkpoint save failed", "partition", w.id, "error", err)
			complete = false
			continue
		}
		c.metrics.CheckpointsSaved.Inc()
		states = append(states, st)
	}

	if !complete {
		c.logger.Warn("offset commits deferred, checkpoint sweep incomplete")
		return
	}
	c.commitLowWater(ctx, states)
}

// requestState asks one worker for its checkpoint state, giving up after
// stateRequestTimeout so a wedged worker cannot stall the sweep.
func (c *Coordinator) requestState(ctx context.Context, w *Worker) (workerState, bool) {
	reply := make(chan workerState, 1)
	timer := time.NewTimer(stateRequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return workerState{}, false
	case <-timer.C:
		c.logger.Warn("worker state request timed out", "worker", w.id)
		return workerState{}, false
	case w.stateRq <- reply:
	}

	select {
	case <-ctx.Done():
		return workerState{}, false
	case <-timer.C:
		c.logger.Warn("worker state request timed out", "worker", w.id)
		return workerState{}, false
	case st := <-reply:
		return st, true
	}
}

func (c *Coordinator) holdCandidates(commits map[int]commitPoint) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	for p, cp := range commits {
		c.candidates[p] = append(c.candidates[p], cp)
	}
}

// commitLowWater commits, per source partition, the newest offset that every
// worker routed events from that partition has fully processed. Committing
// any further would skip a slower worker's pending events on restart.
func (c *Coordinator) commitLowWater(ctx context.Context, states []workerState) {
	processed := make(map[int]map[int]int64)
	for _, st := range states {
		for p, off := range st.snap.Offsets {
			if processed[p] == nil {
				processed[p] = make(map[int]int64)
			}
			processed[p][st.snap.Partition] = off
		}
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	for p, byWorker := range c.dispatched {
		safe, ok := safeOffset(byWorker, processed[p])
		if !ok {
			continue
		}
		c.commitThrough(ctx, p, safe)
	}
}

// safeOffset returns the highest offset of one source partition known to be
// processed by every worker it was routed to.
func safeOffset(dispatched, processed map[int]int64) (int64, bool) {
	var (
		safe    int64
		bounded bool
		highest int64
		seen    bool
	)
	for wid, d := range dispatched {
		if !seen || d > highest {
			highest = d
			seen = true
		}
		done, ok := processed[wid]
		if ok && done >= d {
			continue
		}
		if !ok {
			// This worker has never finished an event from the partition, so
			// no offset below its pending ones is known.
			return 0, false
		}
		if !bounded || done < safe {
			safe = done
			bounded = true
		}
	}
	if !seen {
		return 0, false
	}
	if !bounded {
		return highest, true
	}
	return safe, true
}

// commitThrough runs the newest held commit callback at or below safe and
// drops every callback it supersedes. Callers hold commitMu.
func (c *Coordinator) commitThrough(ctx context.Context, partition int, safe int64) {
	cands := c.candidates[partition]
	best := -1
	for i, cp := range cands {
		if cp.offset <= safe && (best < 0 || cp.offset > cands[best].offset) {
			best = i
		}
	}
	if best < 0 {
		return
	}

	bestOffset := cands[best].offset
	if err := cands[best].commit(ctx); err != nil {
		c.logger.Warn("offset commit failed",
			"source_partition", partition, "offset", bestOffset, "error", err)
		return
	}

	kept := cands[:0]
	for _, cp := range cands {
		if cp.offset > bestOffset {
			kept = append(kept, cp)
		}
	}
	c.candidates[partition] = kept
}

func (c *Coordinator) noteDispatch(srcPartition, worker int, offset int64) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	byWorker := c.dispatched[srcPartition]
	if byWorker == nil {
		byWorker = make(map[int]int64)
		c.dispatched[srcPartition] = byWorker
	}
	byWorker[worker] = offset
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
