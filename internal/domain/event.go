package domain

import (
	"context"
	"time"
)

// Metric names in the canonical metrics map. These match the JSON field names
// emitted by the upstream sensor simulator.
const (
	MetricSoilTemperature = "soil_temperature_c"
	MetricAirTemperature  = "air_temperature_c"
	MetricSoilHumidity    = "soil_humidity_percent"
	MetricAirHumidity     = "air_humidity_percent"
	MetricSoilPH          = "soil_ph"
	MetricSoilSalinity    = "soil_salinity_ds_m"
	MetricLightIntensity  = "light_intensity_lux"
	MetricWaterLevel      = "water_level_percent"
)

// MetricNames lists every recognized metric in a stable order.
var MetricNames = []string{
	MetricSoilTemperature,
	MetricAirTemperature,
	MetricSoilHumidity,
	MetricAirHumidity,
	MetricSoilPH,
	MetricSoilSalinity,
	MetricLightIntensity,
	MetricWaterLevel,
}

// SensorReading represents the flat JSON structure produced by the sensor
// simulator. Metric fields are pointers because the simulator emits nulls for
// metrics a sensor failed to sample.
type SensorReading struct {
	Timestamp           string   `json:"timestamp"`
	Date                string   `json:"date,omitempty"`
	TimeOfDay           string   `json:"time,omitempty"`
	Season              string   `json:"season,omitempty"`
	DayPeriod           string   `json:"day_period,omitempty"`
	Daytime             *bool    `json:"daytime,omitempty"`
	SoilTemperatureC    *float64 `json:"soil_temperature_c"`
	AirTemperatureC     *float64 `json:"air_temperature_c"`
	SoilHumidityPercent *float64 `json:"soil_humidity_percent"`
	AirHumidityPercent  *float64 `json:"air_humidity_percent"`
	SoilPH              *float64 `json:"soil_ph"`
	SoilSalinityDSM     *float64 `json:"soil_salinity_ds_m"`
	LightIntensityLux   *float64 `json:"light_intensity_lux"`
	WaterLevelPercent   *float64 `json:"water_level_percent"`
	Location            string   `json:"location"`
	IsError             bool     `json:"is_error"`
}

// RawEvent represents an unprocessed message from the source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// LocationMeta is a row of the location dimension table.
type LocationMeta struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	CropType string  `json:"crop_type"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// AnomalyFlag labels which anomaly signal fired for an event, if any.
type AnomalyFlag string

const (
	AnomalyNone        AnomalyFlag = "none"
	AnomalyStatistical AnomalyFlag = "statistical"
	AnomalyModel       AnomalyFlag = "model"
	AnomalyBoth        AnomalyFlag = "both"
)

// CombineAnomalyFlags folds the two independent anomaly signals into one flag.
func CombineAnomalyFlags(statistical, model bool) AnomalyFlag {
	switch {
	case statistical && model:
		return AnomalyBoth
	case statistical:
		return AnomalyStatistical
	case model:
		return AnomalyModel
	default:
		return AnomalyNone
	}
}

// EnrichedEvent is the domain-rich representation after normalization,
// dimension join, derived-field enrichment, and anomaly scoring.
type EnrichedEvent struct {
	ID        string    `json:"id"`
	Location  string    `json:"location"`
	EventTime time.Time `json:"event_time"`
	Season    string    `json:"season,omitempty"`
	DayPeriod string    `json:"day_period,omitempty"`
	Daytime   bool      `json:"daytime"`

	// Metrics holds only the metric values present in the source reading.
	Metrics map[string]float64 `json:"metrics"`

	// Meta is nil when the dimension lookup missed.
	Meta *LocationMeta `json:"meta,omitempty"`

	IsError     bool        `json:"is_error"`
	Faults      []string    `json:"faults,omitempty"`
	AnomalyFlag AnomalyFlag `json:"anomaly_flag"`

	// Derived agronomic fields.
	TempDiffAirSoil     *float64 `json:"temp_diff_air_soil,omitempty"`
	HumidityDiffAirSoil *float64 `json:"humidity_diff_air_soil,omitempty"`
	PHStatus            string   `json:"ph_status,omitempty"`
	SalinityStatus      string   `json:"salinity_status,omitempty"`
	NeedsWatering       bool     `json:"needs_watering"`
	PossibleOverheating bool     `json:"possible_overheating"`
	EnvHealthScore      *float64 `json:"env_health_score,omitempty"`

	RawPayload  []byte    `json:"-"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Metric returns the named metric value and whether it was present.
func (e *EnrichedEvent) Metric(name string) (float64, bool) {
	v, ok := e.Metrics[name]
	return v, ok
}

// MetricStats holds incremental per-metric statistics for one closed window.
type MetricStats struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
}

// TrendRecord summarizes one closed 5-minute tumbling window for one location.
type TrendRecord struct {
	Location    string                 `json:"location"`
	WindowStart time.Time              `json:"window_start"`
	WindowEnd   time.Time              `json:"window_end"`
	Metrics     map[string]MetricStats `json:"metrics"`

	Count        int64   `json:"count"`
	AnomalyCount int64   `json:"anomaly_count"`
	ErrorCount   int64   `json:"error_count"`
	AnomalyRate  float64 `json:"anomaly_rate"`

	// Deltas against the previous closed window for the same location.
	// Nil for the first window of a location.
	DeltaSoilTemp     *float64 `json:"delta_soil_temp,omitempty"`
	DeltaSoilHumidity *float64 `json:"delta_soil_humidity,omitempty"`
	TempTrend         string   `json:"temp_trend"`
	HumidityTrend     string   `json:"humidity_trend"`
	Stability         string   `json:"stability"`
}

// NaturalKey identifies the record for idempotent upserts.
func (t TrendRecord) NaturalKey() string {
	return t.Location + "|" + t.WindowStart.UTC().Format(time.RFC3339)
}

// PeriodKind distinguishes the two KPI aggregation periods.
type PeriodKind string

const (
	PeriodDay  PeriodKind = "day"
	PeriodWeek PeriodKind = "week"
)

// KpiRecord summarizes one closed daily or weekly period for one location.
type KpiRecord struct {
	Location    string     `json:"location"`
	Period      PeriodKind `json:"period"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`

	AvgHealthScore float64 `json:"avg_health_score"`
	PctTimeDry     float64 `json:"pct_time_dry"`
	AnomalyCount   int64   `json:"anomaly_count"`
	ErrorCount     int64   `json:"error_count"`
	RecordCount    int64   `json:"record_count"`
	Grade          string  `json:"grade"`
}

// NaturalKey identifies the record for idempotent upserts.
func (k KpiRecord) NaturalKey() string {
	return k.Location + "|" + string(k.Period) + "|" + k.PeriodStart.UTC().Format(time.RFC3339)
}

// ReliabilityRecord scores sensor health over a closed 1-hour window.
type ReliabilityRecord struct {
	Location      string    `json:"location"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	ErrorRatio    float64   `json:"error_ratio"`
	VarianceRatio float64   `json:"variance_ratio"`
	Score         float64   `json:"score"`
	RecordCount   int64     `json:"record_count"`
}

// NaturalKey identifies the record for idempotent archive naming.
func (r ReliabilityRecord) NaturalKey() string {
	return r.Location + "|" + r.WindowStart.UTC().Format(time.RFC3339)
}

// SessionRecord captures one closed dry-spell episode for one location.
type SessionRecord struct {
	ID        string        `json:"id"`
	Location  string        `json:"location"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	Readings  int64         `json:"readings"`
}

// NaturalKey identifies the record for idempotent upserts. The session ID is
// random, so the key is (location, start) which is stable across replays.
func (s SessionRecord) NaturalKey() string {
	return s.Location + "|" + s.StartedAt.UTC().Format(time.RFC3339)
}
