package anomaly

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
	"github.com/agrolytix/farm-insights-engine/internal/observability"
)

// Scorer is the external model-scoring collaborator. Implementations must
// return within their own timeout; the detector treats any error as a
// negative verdict.
type Scorer interface {
	Score(ctx context.Context, ev domain.EnrichedEvent) (bool, error)
}

// NoopScorer always returns a negative verdict. Used when no model endpoint
// is configured.
type NoopScorer struct{}

func (NoopScorer) Score(context.Context, domain.EnrichedEvent) (bool, error) {
	return false, nil
}

// Detector combines the statistical z-score signal with the external model's
// verdict into a single anomaly flag per event.
type Detector struct {
	baselines  *Baselines
	scorer     Scorer
	zThreshold float64
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewDetector creates a Detector. Pass NoopScorer{} to disable model scoring.
func NewDetector(baselines *Baselines, scorer Scorer, zThreshold float64, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Detector {
	return &Detector{
		baselines:  baselines,
		scorer:     scorer,
		zThreshold: zThreshold,
		timeout:    timeout,
		logger:     logger,
		metrics:    metrics,
	}
}

// Flag scores one event and returns it with AnomalyFlag set. Events flagged
// is_error are excluded from baseline updates so malfunctioning sensors do
// not corrupt the running statistics, but they are still scored against the
// existing baseline and still flow downstream.
func (d *Detector) Flag(ctx context.Context, ev domain.EnrichedEvent) domain.EnrichedEvent {
	statistical := d.statisticalSignal(ev)
	model := d.modelSignal(ctx, ev)

	ev.AnomalyFlag = domain.CombineAnomalyFlags(statistical, model)
	if !ev.IsError {
		for name, value := range ev.Metrics {
			d.baselines.Observe(ev.Location, name, value)
		}
	}
	return ev
}

func (d *Detector) statisticalSignal(ev domain.EnrichedEvent) bool {
	for name, value := range ev.Metrics {
		z, ok := d.baselines.ZScore(ev.Location, name, value)
		if ok && math.Abs(z) > d.zThreshold {
			return true
		}
	}
	return false
}

// modelSignal invokes the external classifier with a bounded timeout.
// Failure must not fail the event: on error the verdict is false, logged and
// counted, and the stream continues.
func (d *Detector) modelSignal(ctx context.Context, ev domain.EnrichedEvent) bool {
	scoreCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	verdict, err := d.scorer.Score(scoreCtx, ev)
	if err != nil {
		d.metrics.ScoringFailures.Inc()
		d.logger.Warn("model scoring failed, treating as negative",
			"error", err, "location", ev.Location, "event_id", ev.ID)
		return false
	}
	return verdict
}
