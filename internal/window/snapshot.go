package window

import "time"

// Snapshot is the serializable aggregator state persisted at checkpoints.
type Snapshot struct {
	Trends        map[string]*TrendAccum       `json:"trends"`
	Kpis          map[string]*KpiAccum         `json:"kpis"`
	Reliability   map[string]*ReliabilityAccum `json:"reliability"`
	Prev          map[string]PrevTrend         `json:"prev"`
	LastWatermark time.Time                    `json:"last_watermark"`
}

// Snapshot copies all open window state.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{
		Trends:        make(map[string]*TrendAccum, len(a.trends)),
		Kpis:          make(map[string]*KpiAccum, len(a.kpis)),
		Reliability:   make(map[string]*ReliabilityAccum, len(a.reliability)),
		Prev:          make(map[string]PrevTrend, len(a.prev)),
		LastWatermark: a.lastWatermark,
	}
	for k, v := range a.trends {
		copied := *v
		copied.Metrics = make(map[string]*MetricAccum, len(v.Metrics))
		for name, m := range v.Metrics {
			mc := *m
			copied.Metrics[name] = &mc
		}
		snap.Trends[k] = &copied
	}
	for k, v := range a.kpis {
		copied := *v
		snap.Kpis[k] = &copied
	}
	for k, v := range a.reliability {
		copied := *v
		snap.Reliability[k] = &copied
	}
	for k, v := range a.prev {
		snap.Prev[k] = v
	}
	return snap
}

// Restore replaces all open window state from a checkpoint snapshot.
func (a *Aggregator) Restore(snap Snapshot) {
	a.trends = snap.Trends
	a.kpis = snap.Kpis
	a.reliability = snap.Reliability
	a.prev = snap.Prev
	a.lastWatermark = snap.LastWatermark

	if a.trends == nil {
		a.trends = make(map[string]*TrendAccum)
	}
	if a.kpis == nil {
		a.kpis = make(map[string]*KpiAccum)
	}
	if a.reliability == nil {
		a.reliability = make(map[string]*ReliabilityAccum)
	}
	if a.prev == nil {
		a.prev = make(map[string]PrevTrend)
	}
}
