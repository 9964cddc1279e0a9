// Package domain models greenhouse sensor telemetry.
//
// # Data Source
//
// Readings originate from a fleet of greenhouse sensor stations. The upstream
// simulator publishes one flat JSON record per sampling interval to the Kafka
// source topic, keyed by location id. Each record carries soil and air
// temperature, soil and air humidity, soil pH, soil salinity, light intensity,
// and water level, plus calendar context (season, day period, daytime flag).
// Metric fields are nullable: a station that failed to sample a probe emits
// null for that metric and may set is_error itself.
//
// # Validation Conventions
//
// Hard physical bounds per metric (values outside flag the event, never drop it):
//
//	soil_ph                [0, 14]
//	soil/air humidity      [0, 100] percent
//	water_level_percent    [0, 100]
//	soil_temperature_c     [-50, 80]
//	air_temperature_c      [-60, 80]
//	soil_salinity_ds_m     [0, 20]
//	light_intensity_lux    [0, 200000]
//
// Timestamps must parse as RFC 3339 and may not sit in the future beyond a
// small skew tolerance (clock drift on edge devices is expected).
//
// # Derived Fields
//
// Enrichment derives agronomic indicators used by the dashboard and the
// aggregation stages:
//
//	ph_status:        Acidic (<6.0) | Normal | Alkaline (>8.0) | Unknown
//	salinity_status:  Low (<2.0) | Moderate (<4.0) | High
//	needs_watering:   soil humidity below the dry threshold (default 30%)
//	possible_overheating: soil or air temperature above 40°C
//	env_health_score: 100 - |soil_ph - 7|*12 - salinity*6 - 12 if dry
//
// The health score weights are a project-specific heuristic; they feed the
// daily/weekly KPI letter grade (A >= 80, B >= 60, C >= 40, else D).
//
// # ID Generation
//
// Event IDs are deterministic SHA-256 hashes of location|timestamp|metric
// fingerprint. This enables idempotent upserts downstream (ON CONFLICT DO
// NOTHING) and replay safety without distributed coordination. See [generateID].
package domain
