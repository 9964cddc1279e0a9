// Package watermark tracks event-time progress across partitions.
//
// Each partition worker records the highest event time it has seen; the
// global watermark is the minimum of those highs minus the allowed lateness.
// The watermark is the single clock that drives window and session closure,
// so closure is deterministic given the same input, with no wall-clock
// dependency.
package watermark

import (
	"sync"
	"time"
)

// Tracker holds per-partition event-time highs. Observe is called from
// partition workers; Global from any goroutine.
type Tracker struct {
	mu       sync.Mutex
	highs    []time.Time
	lateness time.Duration
}

// NewTracker creates a Tracker for the given partition count.
func NewTracker(partitions int, allowedLateness time.Duration) *Tracker {
	return &Tracker{
		highs:    make([]time.Time, partitions),
		lateness: allowedLateness,
	}
}

// Observe records an event time for a partition. Regressions are ignored so
// out-of-order events never move the watermark backwards.
func (t *Tracker) Observe(partition int, eventTime time.Time) {
	if eventTime.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if eventTime.After(t.highs[partition]) {
		t.highs[partition] = eventTime
	}
}

// Restore seeds a partition's high after checkpoint recovery.
func (t *Tracker) Restore(partition int, high time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if high.After(t.highs[partition]) {
		t.highs[partition] = high
	}
}

// High returns the highest event time observed for one partition.
func (t *Tracker) High(partition int) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highs[partition]
}

// Global returns the pipeline watermark: the minimum observed event time
// across active partitions, minus the allowed lateness. A partition counts as
// active once it has observed at least one event; partitions that never
// receive data (fewer locations than partitions, uneven hashing) do not hold
// the watermark at zero forever.
//
// When a previously idle partition turns active with an old first event, the
// minimum can step backwards. Downstream stages already ignore stale
// watermarks, so a regression delays closure at worst.
func (t *Tracker) Global() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	var min time.Time
	for _, h := range t.highs {
		if h.IsZero() {
			continue
		}
		if min.IsZero() || h.Before(min) {
			min = h
		}
	}
	if min.IsZero() {
		return time.Time{}
	}
	return min.Add(-t.lateness)
}
