package domain

// Agronomic thresholds used by derived-field enrichment. The dry threshold is
// configurable at the sessionizer; this one feeds the per-event indicator and
// KPI pct_time_dry, matching the dashboard's definition.
const (
	phAcidicBelow    = 6.0
	phAlkalineAbove  = 8.0
	salinityLowBelow = 2.0
	salinityModBelow = 4.0
	dryBelowPercent  = 30.0
	overheatAboveC   = 40.0
)

// Enrich derives the agronomic indicator fields from an event's metrics and
// stamps the processing time. It never touches IsError or AnomalyFlag; those
// belong to the normalizer and scorer respectively.
func Enrich(ev EnrichedEvent) EnrichedEvent {
	airT, hasAirT := ev.Metric(MetricAirTemperature)
	soilT, hasSoilT := ev.Metric(MetricSoilTemperature)
	airH, hasAirH := ev.Metric(MetricAirHumidity)
	soilH, hasSoilH := ev.Metric(MetricSoilHumidity)

	if hasAirT && hasSoilT {
		d := airT - soilT
		ev.TempDiffAirSoil = &d
	}
	if hasAirH && hasSoilH {
		d := airH - soilH
		ev.HumidityDiffAirSoil = &d
	}

	ev.PHStatus = phStatus(ev)
	ev.SalinityStatus = salinityStatus(ev)
	ev.NeedsWatering = hasSoilH && soilH < dryBelowPercent
	ev.PossibleOverheating = (hasSoilT && soilT > overheatAboveC) || (hasAirT && airT > overheatAboveC)
	ev.EnvHealthScore = envHealthScore(ev)
	ev.ProcessedAt = clock.Now()
	return ev
}

func phStatus(ev EnrichedEvent) string {
	ph, ok := ev.Metric(MetricSoilPH)
	switch {
	case !ok:
		return "Unknown"
	case ph < phAcidicBelow:
		return "Acidic"
	case ph > phAlkalineAbove:
		return "Alkaline"
	default:
		return "Normal"
	}
}

func salinityStatus(ev EnrichedEvent) string {
	sal, ok := ev.Metric(MetricSoilSalinity)
	switch {
	case !ok:
		return ""
	case sal < salinityLowBelow:
		return "Low"
	case sal < salinityModBelow:
		return "Moderate"
	default:
		return "High"
	}
}

// envHealthScore computes the 0-100 composite health score:
// 100 - |pH-7|*12 - salinity*6 - 12 if the soil is dry.
// Requires pH and salinity to be present; returns nil otherwise so the
// aggregators can skip events without a score instead of averaging zeros.
func envHealthScore(ev EnrichedEvent) *float64 {
	ph, okPH := ev.Metric(MetricSoilPH)
	sal, okSal := ev.Metric(MetricSoilSalinity)
	if !okPH || !okSal {
		return nil
	}

	score := 100.0 - abs(ph-7.0)*12 - sal*6
	if soilH, ok := ev.Metric(MetricSoilHumidity); ok && soilH < dryBelowPercent {
		score -= 12
	}
	if score < 0 {
		score = 0
	}
	return &score
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
