package window

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
	"github.com/agrolytix/farm-insights-engine/internal/observability"
)

const testLocation = "greenhouse_north"

func testAggregator() *Aggregator {
	return NewAggregator(DefaultConfig(), observability.NewMetricsForTesting())
}

func at(hour, min int) time.Time {
	return time.Date(2024, 5, 1, hour, min, 0, 0, time.UTC)
}

func sensorEvent(loc string, t time.Time, soilTemp float64) domain.EnrichedEvent {
	return domain.EnrichedEvent{
		ID:        "evt",
		Location:  loc,
		EventTime: t,
		Metrics:   map[string]float64{domain.MetricSoilTemperature: soilTemp},
	}
}

func TestTrendWindowStats(t *testing.T) {
	agg := testAggregator()

	agg.Observe(sensorEvent(testLocation, at(12, 0), 20.0))
	agg.Observe(sensorEvent(testLocation, at(12, 1), 21.0))
	agg.Observe(sensorEvent(testLocation, at(12, 4), 22.0))

	res := agg.Advance(at(12, 5))
	require.Len(t, res.Trends, 1)

	rec := res.Trends[0]
	assert.Equal(t, testLocation, rec.Location)
	assert.Equal(t, at(12, 0), rec.WindowStart)
	assert.Equal(t, at(12, 5), rec.WindowEnd)
	assert.Equal(t, int64(3), rec.Count)

	stats := rec.Metrics[domain.MetricSoilTemperature]
	assert.Equal(t, int64(3), stats.Count)
	assert.InDelta(t, 21.0, stats.Mean, 1e-9)
	assert.Equal(t, 20.0, stats.Min)
	assert.Equal(t, 22.0, stats.Max)
	assert.InDelta(t, math.Sqrt(2.0/3.0), stats.StdDev, 1e-9)
}

func TestAdvanceClosesOnlyElapsedWindows(t *testing.T) {
	agg := testAggregator()

	agg.Observe(sensorEvent(testLocation, at(12, 0), 20.0))
	agg.Observe(sensorEvent(testLocation, at(12, 6), 21.0))

	res := agg.Advance(at(12, 5))
	require.Len(t, res.Trends, 1)
	assert.Equal(t, at(12, 0), res.Trends[0].WindowStart)

	res = agg.Advance(at(12, 10))
	require.Len(t, res.Trends, 1)
	assert.Equal(t, at(12, 5), res.Trends[0].WindowStart)
}

func TestAdvanceIgnoresStaleWatermarks(t *testing.T) {
	agg := testAggregator()
	agg.Observe(sensorEvent(testLocation, at(12, 0), 20.0))

	require.Len(t, agg.Advance(at(12, 5)).Trends, 1)
	assert.True(t, agg.Advance(at(12, 5)).Empty(), "watermark did not move")
	assert.True(t, agg.Advance(at(12, 4)).Empty(), "watermark never goes backwards")
	assert.True(t, agg.Advance(time.Time{}).Empty())
}

func TestLateEventsDoNotReopenClosedWindows(t *testing.T) {
	agg := testAggregator()

	agg.Observe(sensorEvent(testLocation, at(12, 0), 20.0))
	res := agg.Advance(at(12, 5))
	require.Len(t, res.Trends, 1)
	require.Equal(t, int64(1), res.Trends[0].Count)

	// An event for the already-closed 12:00 window arrives after closure.
	agg.Observe(sensorEvent(testLocation, at(12, 2), 25.0))

	res = agg.Advance(at(12, 10))
	assert.Empty(t, res.Trends, "late event must not recreate the closed window")
}

func TestTrendDeltasAndLabels(t *testing.T) {
	agg := testAggregator()

	warming := func(ev domain.EnrichedEvent, hum float64) domain.EnrichedEvent {
		ev.Metrics[domain.MetricSoilHumidity] = hum
		return ev
	}

	agg.Observe(warming(sensorEvent(testLocation, at(12, 0), 20.0), 50.0))
	res := agg.Advance(at(12, 5))
	require.Len(t, res.Trends, 1)
	first := res.Trends[0]
	assert.Nil(t, first.DeltaSoilTemp, "no delta for a location's first window")
	assert.Equal(t, "Temperature stable", first.TempTrend)
	assert.Equal(t, "Humidity stable", first.HumidityTrend)

	agg.Observe(warming(sensorEvent(testLocation, at(12, 5), 21.0), 48.0))
	res = agg.Advance(at(12, 10))
	require.Len(t, res.Trends, 1)
	second := res.Trends[0]
	require.NotNil(t, second.DeltaSoilTemp)
	assert.InDelta(t, 1.0, *second.DeltaSoilTemp, 1e-9)
	require.NotNil(t, second.DeltaSoilHumidity)
	assert.InDelta(t, -2.0, *second.DeltaSoilHumidity, 1e-9)
	assert.Equal(t, "Temperature increasing", second.TempTrend)
	assert.Equal(t, "Humidity dropping", second.HumidityTrend)

	agg.Observe(warming(sensorEvent(testLocation, at(12, 10), 21.1), 48.2))
	res = agg.Advance(at(12, 15))
	require.Len(t, res.Trends, 1)
	third := res.Trends[0]
	assert.Equal(t, "Temperature stable", third.TempTrend, "movement below threshold is stable")
	assert.Equal(t, "Humidity stable", third.HumidityTrend)
	assert.Equal(t, "Stable", third.Stability, "single readings have zero deviation")
}

func TestTrendStabilityVariable(t *testing.T) {
	agg := testAggregator()

	hums := []float64{50, 58, 42, 55, 45}
	temps := []float64{20, 20.1, 19.9, 20, 20.1}
	for i := range hums {
		ev := sensorEvent(testLocation, at(12, i), temps[i])
		ev.Metrics[domain.MetricSoilHumidity] = hums[i]
		agg.Observe(ev)
	}

	res := agg.Advance(at(12, 5))
	require.Len(t, res.Trends, 1)
	assert.Equal(t, "Variable", res.Trends[0].Stability, "humidity deviation exceeds the stable bound")
}

func TestTrendAnomalyAndErrorCounts(t *testing.T) {
	agg := testAggregator()

	normal := sensorEvent(testLocation, at(12, 0), 20.0)
	flagged := sensorEvent(testLocation, at(12, 1), 20.0)
	flagged.AnomalyFlag = domain.AnomalyStatistical
	errored := sensorEvent(testLocation, at(12, 2), 20.0)
	errored.IsError = true

	agg.Observe(normal)
	agg.Observe(flagged)
	agg.Observe(errored)

	res := agg.Advance(at(12, 5))
	require.Len(t, res.Trends, 1)
	rec := res.Trends[0]
	assert.Equal(t, int64(3), rec.Count)
	assert.Equal(t, int64(1), rec.AnomalyCount)
	assert.Equal(t, int64(1), rec.ErrorCount)
	assert.InDelta(t, 1.0/3.0, rec.AnomalyRate, 1e-9)
}

func TestKpiDailyPeriod(t *testing.T) {
	agg := testAggregator()

	score := func(v float64) *float64 { return &v }
	ev1 := sensorEvent(testLocation, at(10, 0), 20.0)
	ev1.EnvHealthScore = score(90)
	ev2 := sensorEvent(testLocation, at(14, 0), 20.0)
	ev2.EnvHealthScore = score(70)
	ev2.NeedsWatering = true
	ev3 := sensorEvent(testLocation, at(18, 0), 20.0)

	agg.Observe(ev1)
	agg.Observe(ev2)
	agg.Observe(ev3)

	// Advance past the end of May 1st.
	res := agg.Advance(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))

	var day *domain.KpiRecord
	for i := range res.Kpis {
		if res.Kpis[i].Period == domain.PeriodDay {
			day = &res.Kpis[i]
		}
	}
	require.NotNil(t, day, "daily KPI should close when the watermark passes midnight")
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), day.PeriodStart)
	assert.Equal(t, int64(3), day.RecordCount)
	assert.InDelta(t, 80.0, day.AvgHealthScore, 1e-9, "events without a score are excluded from the average")
	assert.InDelta(t, 1.0/3.0, day.PctTimeDry, 1e-9)
	assert.Equal(t, "A", day.Grade)
}

func TestKpiWeeklyPeriodBounds(t *testing.T) {
	agg := testAggregator()

	// 2024-05-01 is a Wednesday; its ISO week starts Monday 2024-04-29.
	agg.Observe(sensorEvent(testLocation, at(12, 0), 20.0))

	res := agg.Advance(time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC))

	var week *domain.KpiRecord
	for i := range res.Kpis {
		if res.Kpis[i].Period == domain.PeriodWeek {
			week = &res.Kpis[i]
		}
	}
	require.NotNil(t, week)
	assert.Equal(t, time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC), week.PeriodStart)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), week.PeriodEnd)
}

func TestHealthGrade(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{95, "A"}, {80, "A"}, {79.9, "B"}, {60, "B"}, {59.9, "C"}, {40, "C"}, {39.9, "D"}, {0, "D"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, healthGrade(tt.score), "score %v", tt.score)
	}
}

func TestReliabilityScore(t *testing.T) {
	agg := testAggregator()

	// Four readings in the 12:00 hour, one errored, soil temps steady at 20.
	for i, errored := range []bool{false, true, false, false} {
		ev := sensorEvent(testLocation, at(12, i*10), 20.0)
		ev.IsError = errored
		agg.Observe(ev)
	}

	res := agg.Advance(at(13, 0))
	require.Len(t, res.Reliability, 1)
	rec := res.Reliability[0]
	assert.Equal(t, int64(4), rec.RecordCount)
	assert.InDelta(t, 0.25, rec.ErrorRatio, 1e-9)
	assert.InDelta(t, 0.0, rec.VarianceRatio, 1e-9)
	assert.InDelta(t, 50.0, rec.Score, 1e-6, "score = 100 - error_ratio*200 - variance_ratio*50")
}

func TestPeriodBounds(t *testing.T) {
	wed := time.Date(2024, 5, 1, 15, 42, 0, 0, time.UTC)

	dayStart, dayEnd := periodBounds(wed, domain.PeriodDay)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), dayStart)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), dayEnd)

	weekStart, weekEnd := periodBounds(wed, domain.PeriodWeek)
	assert.Equal(t, time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC), weekStart)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), weekEnd)

	monday := time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)
	weekStart, _ = periodBounds(monday, domain.PeriodWeek)
	assert.Equal(t, monday, weekStart, "Monday midnight belongs to its own week")

	sunday := time.Date(2024, 5, 5, 23, 59, 0, 0, time.UTC)
	weekStart, _ = periodBounds(sunday, domain.PeriodWeek)
	assert.Equal(t, monday, weekStart, "Sunday night still belongs to the Monday-started week")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	agg := testAggregator()
	agg.Observe(sensorEvent(testLocation, at(12, 0), 20.0))
	agg.Observe(sensorEvent(testLocation, at(12, 1), 22.0))
	agg.Advance(at(11, 0))

	snap := agg.Snapshot()

	restored := testAggregator()
	restored.Restore(snap)

	resA := agg.Advance(at(12, 5))
	resB := restored.Advance(at(12, 5))
	require.Len(t, resB.Trends, 1)
	assert.Equal(t, resA.Trends[0].Count, resB.Trends[0].Count)
	assert.Equal(t, resA.Trends[0].Metrics, resB.Trends[0].Metrics)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	agg := testAggregator()
	agg.Observe(sensorEvent(testLocation, at(12, 0), 20.0))

	snap := agg.Snapshot()
	agg.Observe(sensorEvent(testLocation, at(12, 1), 30.0))

	restored := testAggregator()
	restored.Restore(snap)
	res := restored.Advance(at(12, 5))
	require.Len(t, res.Trends, 1)
	assert.Equal(t, int64(1), res.Trends[0].Count, "later observes must not leak into the snapshot")
}
