// Package anomaly labels events with statistical and model-based anomaly
// signals. Labeling is advisory: every event continues downstream regardless
// of its flag.
package anomaly

import "math"

// stat is an exponentially weighted running mean and variance for one
// (location, metric) pair.
type stat struct {
	Mean  float64 `json:"mean"`
	Var   float64 `json:"var"`
	Count int64   `json:"count"`
}

// Baselines tracks EWMA statistics per location and metric. It is owned by a
// single partition worker, so no locking is needed.
type Baselines struct {
	alpha      float64
	minSamples int64
	stats      map[string]map[string]*stat // location -> metric -> stat
}

// NewBaselines creates empty baselines. alpha is the EWMA decay factor;
// minSamples is the warmup count before z-scores are trusted.
func NewBaselines(alpha float64, minSamples int64) *Baselines {
	return &Baselines{
		alpha:      alpha,
		minSamples: minSamples,
		stats:      make(map[string]map[string]*stat),
	}
}

// ZScore returns the z-score of value against the current baseline for
// (location, metric), and whether the baseline has enough samples to be
// meaningful. The baseline is not updated.
func (b *Baselines) ZScore(location, metric string, value float64) (float64, bool) {
	s := b.lookup(location, metric)
	if s == nil || s.Count < b.minSamples {
		return 0, false
	}
	sd := math.Sqrt(s.Var)
	if sd == 0 {
		return 0, false
	}
	return (value - s.Mean) / sd, true
}

// Observe folds a value into the baseline for (location, metric).
// Callers must not feed values from events flagged is_error; corrupt readings
// would poison the running statistics.
func (b *Baselines) Observe(location, metric string, value float64) {
	metrics, ok := b.stats[location]
	if !ok {
		metrics = make(map[string]*stat)
		b.stats[location] = metrics
	}
	s, ok := metrics[metric]
	if !ok {
		metrics[metric] = &stat{Mean: value, Count: 1}
		return
	}

	delta := value - s.Mean
	s.Mean += b.alpha * delta
	s.Var = (1 - b.alpha) * (s.Var + b.alpha*delta*delta)
	s.Count++
}

func (b *Baselines) lookup(location, metric string) *stat {
	metrics, ok := b.stats[location]
	if !ok {
		return nil
	}
	return metrics[metric]
}

// Snapshot is the serializable baseline state for checkpointing.
type Snapshot map[string]map[string]stat

// Snapshot copies the current state for checkpoint persistence.
func (b *Baselines) Snapshot() Snapshot {
	out := make(Snapshot, len(b.stats))
	for loc, metrics := range b.stats {
		ms := make(map[string]stat, len(metrics))
		for name, s := range metrics {
			ms[name] = *s
		}
		out[loc] = ms
	}
	return out
}

// Restore replaces the current state with a checkpoint snapshot.
func (b *Baselines) Restore(snap Snapshot) {
	b.stats = make(map[string]map[string]*stat, len(snap))
	for loc, metrics := range snap {
		ms := make(map[string]*stat, len(metrics))
		for name, s := range metrics {
			copied := s
			ms[name] = &copied
		}
		b.stats[loc] = ms
	}
}
