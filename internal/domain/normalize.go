package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// metricBounds holds the hard physical bound for each recognized metric.
// Values outside these ranges are physically impossible readings and indicate
// sensor malfunction rather than an environmental anomaly.
var metricBounds = map[string]struct{ min, max float64 }{
	MetricSoilTemperature: {-50, 80},
	MetricAirTemperature:  {-60, 80},
	MetricSoilHumidity:    {0, 100},
	MetricAirHumidity:     {0, 100},
	MetricSoilPH:          {0, 14},
	MetricSoilSalinity:    {0, 20},
	MetricLightIntensity:  {0, 200000},
	MetricWaterLevel:      {0, 100},
}

// Normalizer validates raw sensor readings and coerces them into the
// canonical EnrichedEvent shape. Validation is pure and synchronous; a
// violation flags the event instead of dropping it.
type Normalizer struct {
	maxSkew time.Duration
}

// NewNormalizer creates a Normalizer. maxSkew bounds how far a timestamp may
// sit in the future before it is treated as malformed.
func NewNormalizer(maxSkew time.Duration) *Normalizer {
	return &Normalizer{maxSkew: maxSkew}
}

// Normalize parses and validates a raw event. The returned event always
// carries whatever could be salvaged; IsError is set and Faults populated on
// any violation. The error return is non-nil only when the payload is not
// valid JSON at all, and even then a flagged placeholder event is returned so
// the record stays observable downstream.
func (n *Normalizer) Normalize(raw RawEvent) (EnrichedEvent, error) {
	var rec SensorReading
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		ev := EnrichedEvent{
			Location:   strings.TrimSpace(string(raw.Key)),
			EventTime:  raw.Timestamp,
			Metrics:    map[string]float64{},
			IsError:    true,
			Faults:     []string{"malformed_payload"},
			RawPayload: raw.Value,
		}
		ev.ID = generateID(ev.Location, ev.EventTime, ev.Metrics)
		return ev, fmt.Errorf("parse sensor reading: %w", err)
	}

	ev := EnrichedEvent{
		Location:   strings.TrimSpace(rec.Location),
		Season:     rec.Season,
		DayPeriod:  rec.DayPeriod,
		Metrics:    make(map[string]float64, len(MetricNames)),
		IsError:    rec.IsError,
		RawPayload: raw.Value,
	}
	if rec.Daytime != nil {
		ev.Daytime = *rec.Daytime
	}
	if rec.IsError {
		ev.Faults = append(ev.Faults, "upstream_error")
	}

	ev.EventTime = n.parseTimestamp(rec.Timestamp, raw.Timestamp, &ev)

	if ev.Location == "" {
		ev.IsError = true
		ev.Faults = append(ev.Faults, "missing_location")
	}

	for name, value := range readingMetrics(rec) {
		if value == nil {
			continue
		}
		v := *value
		ev.Metrics[name] = v
		if b, ok := metricBounds[name]; ok && (v < b.min || v > b.max) {
			ev.IsError = true
			ev.Faults = append(ev.Faults, "out_of_range:"+name)
		}
	}

	sort.Strings(ev.Faults)
	ev.ID = generateID(ev.Location, ev.EventTime, ev.Metrics)
	return ev, nil
}

// parseTimestamp validates the reading's own timestamp, falling back to the
// transport timestamp when it is missing, malformed, or further in the future
// than the allowed skew. The fallback keeps a single bogus clock from feeding
// a far-future event time into watermarks and window assignment.
func (n *Normalizer) parseTimestamp(ts string, transportTime time.Time, ev *EnrichedEvent) time.Time {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		ev.IsError = true
		ev.Faults = append(ev.Faults, "missing_timestamp")
		return transportTime
	}

	t, err := parseEventTime(ts)
	if err != nil {
		ev.IsError = true
		ev.Faults = append(ev.Faults, "malformed_timestamp")
		return transportTime
	}
	if t.After(clock.Now().Add(n.maxSkew)) {
		ev.IsError = true
		ev.Faults = append(ev.Faults, "future_timestamp")
		return transportTime
	}
	return t
}

// parseEventTime accepts RFC 3339 and the simulator's space-separated variant.
func parseEventTime(ts string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// readingMetrics maps a SensorReading's nullable metric columns to their
// canonical names.
func readingMetrics(rec SensorReading) map[string]*float64 {
	return map[string]*float64{
		MetricSoilTemperature: rec.SoilTemperatureC,
		MetricAirTemperature:  rec.AirTemperatureC,
		MetricSoilHumidity:    rec.SoilHumidityPercent,
		MetricAirHumidity:     rec.AirHumidityPercent,
		MetricSoilPH:          rec.SoilPH,
		MetricSoilSalinity:    rec.SoilSalinityDSM,
		MetricLightIntensity:  rec.LightIntensityLux,
		MetricWaterLevel:      rec.WaterLevelPercent,
	}
}

// generateID produces a deterministic ID from the event's key fields.
// Deterministic IDs enable idempotent upserts (ON CONFLICT DO NOTHING) and
// replay safety: reprocessing the same raw event produces the same ID.
func generateID(location string, eventTime time.Time, metrics map[string]float64) string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(location)
	sb.WriteString("|")
	sb.WriteString(eventTime.UTC().Format(time.RFC3339Nano))
	for _, name := range names {
		fmt.Fprintf(&sb, "|%s=%g", name, metrics[name])
	}

	hash := sha256.Sum256([]byte(sb.String()))
	short := hex.EncodeToString(hash[:8])
	if location == "" {
		return short
	}
	return location + "-" + short
}
