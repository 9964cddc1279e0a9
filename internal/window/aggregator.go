// Package window maintains per-location tumbling-window aggregates and emits
// trend, KPI, and reliability records on watermark-driven closure.
//
// Aggregation is incremental (count/sum/sum-of-squares/min/max) so memory is
// bounded by open windows × locations, not by event volume. Events arriving
// after their window closed are dropped and counted; late data is accepted
// loss so state stays bounded.
package window

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
	"github.com/agrolytix/farm-insights-engine/internal/observability"
)

// Trend delta thresholds and stability bounds, matching the dashboard's
// labeling of 5-minute movements.
const (
	tempDeltaThreshold = 0.3
	humDeltaThreshold  = 0.5
	stableTempStd      = 1.0
	stableHumStd       = 2.0
)

// Config sets the tumbling window sizes.
type Config struct {
	TrendWindow       time.Duration
	ReliabilityWindow time.Duration
}

// DefaultConfig returns the standard 5-minute trend and 1-hour reliability
// windows. Daily and weekly KPI periods are fixed calendar boundaries.
func DefaultConfig() Config {
	return Config{
		TrendWindow:       5 * time.Minute,
		ReliabilityWindow: time.Hour,
	}
}

// Results holds the records emitted by one watermark advance.
type Results struct {
	Trends      []domain.TrendRecord
	Kpis        []domain.KpiRecord
	Reliability []domain.ReliabilityRecord
}

// Empty reports whether the advance closed nothing.
func (r Results) Empty() bool {
	return len(r.Trends) == 0 && len(r.Kpis) == 0 && len(r.Reliability) == 0
}

// MetricAccum is an incremental accumulator for one metric.
type MetricAccum struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	SumSq float64 `json:"sum_sq"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (m *MetricAccum) add(v float64) {
	if m.Count == 0 || v < m.Min {
		m.Min = v
	}
	if m.Count == 0 || v > m.Max {
		m.Max = v
	}
	m.Count++
	m.Sum += v
	m.SumSq += v * v
}

func (m *MetricAccum) mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

func (m *MetricAccum) stdDev() float64 {
	if m.Count == 0 {
		return 0
	}
	mean := m.mean()
	variance := m.SumSq/float64(m.Count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

func (m *MetricAccum) stats() domain.MetricStats {
	return domain.MetricStats{
		Count:  m.Count,
		Mean:   m.mean(),
		Min:    m.Min,
		Max:    m.Max,
		StdDev: m.stdDev(),
	}
}

// TrendAccum is the open state of one 5-minute window for one location.
type TrendAccum struct {
	Location     string                  `json:"location"`
	Start        time.Time               `json:"start"`
	End          time.Time               `json:"end"`
	Metrics      map[string]*MetricAccum `json:"metrics"`
	Count        int64                   `json:"count"`
	AnomalyCount int64                   `json:"anomaly_count"`
	ErrorCount   int64                   `json:"error_count"`
}

// KpiAccum is the open state of one daily or weekly period for one location.
type KpiAccum struct {
	Location     string            `json:"location"`
	Period       domain.PeriodKind `json:"period"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	HealthSum    float64           `json:"health_sum"`
	HealthCount  int64             `json:"health_count"`
	DryCount     int64             `json:"dry_count"`
	AnomalyCount int64             `json:"anomaly_count"`
	ErrorCount   int64             `json:"error_count"`
	Count        int64             `json:"count"`
}

// ReliabilityAccum is the open state of one 1-hour reliability window.
type ReliabilityAccum struct {
	Location   string      `json:"location"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	SoilTemp   MetricAccum `json:"soil_temp"`
	ErrorCount int64       `json:"error_count"`
	Count      int64       `json:"count"`
}

// PrevTrend carries the previous closed window's means per location for
// delta and trend-label computation.
type PrevTrend struct {
	SoilTempMean float64 `json:"soil_temp_mean"`
	SoilHumMean  float64 `json:"soil_hum_mean"`
	HasTemp      bool    `json:"has_temp"`
	HasHum       bool    `json:"has_hum"`
}

// Aggregator owns all open window state for one partition's locations.
// It is single-threaded by construction: exactly one worker feeds it.
type Aggregator struct {
	cfg     Config
	metrics *observability.Metrics

	trends      map[string]*TrendAccum
	kpis        map[string]*KpiAccum
	reliability map[string]*ReliabilityAccum
	prev        map[string]PrevTrend

	// lastWatermark is the watermark at the most recent Advance. Any event
	// whose window end is not after it belongs to a closed window.
	lastWatermark time.Time
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(cfg Config, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		cfg:         cfg,
		metrics:     metrics,
		trends:      make(map[string]*TrendAccum),
		kpis:        make(map[string]*KpiAccum),
		reliability: make(map[string]*ReliabilityAccum),
		prev:        make(map[string]PrevTrend),
	}
}

// Observe folds one enriched event into every window kind it belongs to.
// Events for already-closed windows are counted as late drops for that kind
// and never mutate emitted records.
func (a *Aggregator) Observe(ev domain.EnrichedEvent) {
	if ev.EventTime.IsZero() || ev.Location == "" {
		return
	}

	a.observeTrend(ev)
	a.observeKpi(ev, domain.PeriodDay)
	a.observeKpi(ev, domain.PeriodWeek)
	a.observeReliability(ev)
}

func (a *Aggregator) observeTrend(ev domain.EnrichedEvent) {
	start := ev.EventTime.UTC().Truncate(a.cfg.TrendWindow)
	end := start.Add(a.cfg.TrendWindow)
	if a.isLate(end, "trend") {
		return
	}

	key := windowKey(ev.Location, start)
	acc, ok := a.trends[key]
	if !ok {
		acc = &TrendAccum{
			Location: ev.Location,
			Start:    start,
			End:      end,
			Metrics:  make(map[string]*MetricAccum),
		}
		a.trends[key] = acc
	}

	acc.Count++
	if ev.AnomalyFlag != domain.AnomalyNone {
		acc.AnomalyCount++
	}
	if ev.IsError {
		acc.ErrorCount++
	}
	for name, value := range ev.Metrics {
		m, ok := acc.Metrics[name]
		if !ok {
			m = &MetricAccum{}
			acc.Metrics[name] = m
		}
		m.add(value)
	}
}

func (a *Aggregator) observeKpi(ev domain.EnrichedEvent, kind domain.PeriodKind) {
	start, end := periodBounds(ev.EventTime, kind)
	if a.isLate(end, "kpi") {
		return
	}

	key := ev.Location + "|" + string(kind) + "|" + start.Format(time.RFC3339)
	acc, ok := a.kpis[key]
	if !ok {
		acc = &KpiAccum{Location: ev.Location, Period: kind, Start: start, End: end}
		a.kpis[key] = acc
	}

	acc.Count++
	if ev.EnvHealthScore != nil {
		acc.HealthSum += *ev.EnvHealthScore
		acc.HealthCount++
	}
	if ev.NeedsWatering {
		acc.DryCount++
	}
	if ev.AnomalyFlag != domain.AnomalyNone {
		acc.AnomalyCount++
	}
	if ev.IsError {
		acc.ErrorCount++
	}
}

func (a *Aggregator) observeReliability(ev domain.EnrichedEvent) {
	start := ev.EventTime.UTC().Truncate(a.cfg.ReliabilityWindow)
	end := start.Add(a.cfg.ReliabilityWindow)
	if a.isLate(end, "reliability") {
		return
	}

	key := windowKey(ev.Location, start)
	acc, ok := a.reliability[key]
	if !ok {
		acc = &ReliabilityAccum{Location: ev.Location, Start: start, End: end}
		a.reliability[key] = acc
	}

	acc.Count++
	if ev.IsError {
		acc.ErrorCount++
	}
	if v, ok := ev.Metric(domain.MetricSoilTemperature); ok {
		acc.SoilTemp.add(v)
	}
}

func (a *Aggregator) isLate(windowEnd time.Time, stage string) bool {
	if !a.lastWatermark.IsZero() && !windowEnd.After(a.lastWatermark) {
		a.metrics.LateEventsDropped.WithLabelValues(stage).Inc()
		return true
	}
	return false
}

// Advance closes every window whose end is at or before the watermark and
// returns the emitted records. Trend windows close in start order per
// location so deltas against the previous window are well defined.
func (a *Aggregator) Advance(wm time.Time) Results {
	if wm.IsZero() || !wm.After(a.lastWatermark) {
		return Results{}
	}
	a.lastWatermark = wm

	res := Results{
		Trends:      a.closeTrends(wm),
		Kpis:        a.closeKpis(wm),
		Reliability: a.closeReliability(wm),
	}
	a.metrics.OpenWindows.Set(float64(len(a.trends) + len(a.kpis) + len(a.reliability)))
	return res
}

func (a *Aggregator) closeTrends(wm time.Time) []domain.TrendRecord {
	var closing []*TrendAccum
	for key, acc := range a.trends {
		if !acc.End.After(wm) {
			closing = append(closing, acc)
			delete(a.trends, key)
		}
	}
	if len(closing) == 0 {
		return nil
	}

	sort.Slice(closing, func(i, j int) bool {
		if closing[i].Location != closing[j].Location {
			return closing[i].Location < closing[j].Location
		}
		return closing[i].Start.Before(closing[j].Start)
	})

	out := make([]domain.TrendRecord, 0, len(closing))
	for _, acc := range closing {
		out = append(out, a.finishTrend(acc))
		a.metrics.WindowsClosed.WithLabelValues("trend").Inc()
	}
	return out
}

func (a *Aggregator) finishTrend(acc *TrendAccum) domain.TrendRecord {
	rec := domain.TrendRecord{
		Location:     acc.Location,
		WindowStart:  acc.Start,
		WindowEnd:    acc.End,
		Metrics:      make(map[string]domain.MetricStats, len(acc.Metrics)),
		Count:        acc.Count,
		AnomalyCount: acc.AnomalyCount,
		ErrorCount:   acc.ErrorCount,
	}
	if acc.Count > 0 {
		rec.AnomalyRate = float64(acc.AnomalyCount) / float64(acc.Count)
	}
	for name, m := range acc.Metrics {
		rec.Metrics[name] = m.stats()
	}

	prev := a.prev[acc.Location]
	next := PrevTrend{}

	tempStats, hasTemp := rec.Metrics[domain.MetricSoilTemperature]
	humStats, hasHum := rec.Metrics[domain.MetricSoilHumidity]

	rec.TempTrend = "Temperature stable"
	if hasTemp {
		next.SoilTempMean, next.HasTemp = tempStats.Mean, true
		if prev.HasTemp {
			d := tempStats.Mean - prev.SoilTempMean
			rec.DeltaSoilTemp = &d
			switch {
			case d > tempDeltaThreshold:
				rec.TempTrend = "Temperature increasing"
			case d < -tempDeltaThreshold:
				rec.TempTrend = "Temperature decreasing"
			}
		}
	}

	rec.HumidityTrend = "Humidity stable"
	if hasHum {
		next.SoilHumMean, next.HasHum = humStats.Mean, true
		if prev.HasHum {
			d := humStats.Mean - prev.SoilHumMean
			rec.DeltaSoilHumidity = &d
			switch {
			case d < -humDeltaThreshold:
				rec.HumidityTrend = "Humidity dropping"
			case d > humDeltaThreshold:
				rec.HumidityTrend = "Humidity increasing"
			}
		}
	}

	rec.Stability = "Variable"
	if hasTemp && hasHum && tempStats.StdDev < stableTempStd && humStats.StdDev < stableHumStd {
		rec.Stability = "Stable"
	}

	a.prev[acc.Location] = next
	return rec
}

func (a *Aggregator) closeKpis(wm time.Time) []domain.KpiRecord {
	var out []domain.KpiRecord
	for key, acc := range a.kpis {
		if acc.End.After(wm) {
			continue
		}
		delete(a.kpis, key)

		rec := domain.KpiRecord{
			Location:     acc.Location,
			Period:       acc.Period,
			PeriodStart:  acc.Start,
			PeriodEnd:    acc.End,
			AnomalyCount: acc.AnomalyCount,
			ErrorCount:   acc.ErrorCount,
			RecordCount:  acc.Count,
		}
		if acc.HealthCount > 0 {
			rec.AvgHealthScore = acc.HealthSum / float64(acc.HealthCount)
		}
		if acc.Count > 0 {
			rec.PctTimeDry = float64(acc.DryCount) / float64(acc.Count)
		}
		rec.Grade = healthGrade(rec.AvgHealthScore)
		out = append(out, rec)
		a.metrics.WindowsClosed.WithLabelValues("kpi").Inc()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Location != out[j].Location {
			return out[i].Location < out[j].Location
		}
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out
}

func (a *Aggregator) closeReliability(wm time.Time) []domain.ReliabilityRecord {
	var out []domain.ReliabilityRecord
	for key, acc := range a.reliability {
		if acc.End.After(wm) {
			continue
		}
		delete(a.reliability, key)

		rec := domain.ReliabilityRecord{
			Location:    acc.Location,
			WindowStart: acc.Start,
			WindowEnd:   acc.End,
			RecordCount: acc.Count,
		}
		if acc.Count > 0 {
			rec.ErrorRatio = float64(acc.ErrorCount) / float64(acc.Count)
		}
		if acc.SoilTemp.Count > 0 {
			rec.VarianceRatio = acc.SoilTemp.stdDev() / (acc.SoilTemp.mean() + 0.0001)
		}
		rec.Score = 100 - rec.ErrorRatio*200 - rec.VarianceRatio*50
		out = append(out, rec)
		a.metrics.WindowsClosed.WithLabelValues("reliability").Inc()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Location != out[j].Location {
			return out[i].Location < out[j].Location
		}
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out
}

// healthGrade maps the average health score to the dashboard letter grade.
func healthGrade(score float64) string {
	switch {
	case score >= 80:
		return "A"
	case score >= 60:
		return "B"
	case score >= 40:
		return "C"
	default:
		return "D"
	}
}

// periodBounds returns the calendar boundaries containing t. Weeks are ISO
// weeks (Monday 00:00 UTC) so period keys are stable natural keys.
func periodBounds(t time.Time, kind domain.PeriodKind) (time.Time, time.Time) {
	day := t.UTC().Truncate(24 * time.Hour)
	if kind == domain.PeriodDay {
		return day, day.AddDate(0, 0, 1)
	}
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	start := day.AddDate(0, 0, -offset)
	return start, start.AddDate(0, 0, 7)
}

func windowKey(location string, start time.Time) string {
	return fmt.Sprintf("%s|%d", location, start.Unix())
}
