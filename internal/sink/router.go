package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agrolytix/farm-insights-engine/internal/observability"
)

// Branch is one delivery destination. Write must be safe to retry: every
// branch is either idempotent by key or explicitly at-least-once.
type Branch interface {
	Name() string
	Accepts(kind Kind) bool
	Write(ctx context.Context, records []Record) error
}

// Router fans each record batch out to every accepting branch, applying the
// bounded retry policy per branch and spilling exhausted batches to the
// dead-letter area. Branches run concurrently so a slow sink never blocks
// the others; Dispatch itself is bounded by the retry policy, so a wedged
// branch cannot stall ingestion indefinitely either.
type Router struct {
	branches   []Branch
	policy     RetryPolicy
	deadLetter *DeadLetter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewRouter creates a Router over the given branches.
func NewRouter(branches []Branch, policy RetryPolicy, deadLetter *DeadLetter, logger *slog.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		branches:   branches,
		policy:     policy,
		deadLetter: deadLetter,
		logger:     logger,
		metrics:    metrics,
	}
}

// Dispatch delivers records to all accepting branches. It never returns a
// delivery error: failed batches are dead-lettered and counted so the
// pipeline continues. Only a dead-letter write failure is returned, since
// losing both the sink and the spill means losing data.
func (r *Router) Dispatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(r.branches))

	for i, branch := range r.branches {
		accepted := filter(records, branch)
		if len(accepted) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, b Branch, recs []Record) {
			defer wg.Done()
			errs[i] = r.deliver(ctx, b, recs)
		}(i, branch, accepted)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) deliver(ctx context.Context, branch Branch, records []Record) error {
	start := time.Now()
	name := branch.Name()

	err := r.policy.do(ctx, func(ctx context.Context) error {
		return branch.Write(ctx, records)
	}, func() {
		r.metrics.SinkRetries.WithLabelValues(name).Inc()
	})

	r.metrics.SinkWriteSecs.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}

	r.logger.Error("sink branch exhausted retries, dead-lettering",
		"branch", name, "records", len(records), "error", err)
	r.metrics.SinkDeadLetters.WithLabelValues(name).Add(float64(len(records)))

	if spillErr := r.deadLetter.Spill(name, err.Error(), records); spillErr != nil {
		r.logger.Error("dead-letter spill failed", "branch", name, "error", spillErr)
		return spillErr
	}
	return nil
}

func filter(records []Record, branch Branch) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if branch.Accepts(rec.Kind) {
			out = append(out, rec)
		}
	}
	return out
}
