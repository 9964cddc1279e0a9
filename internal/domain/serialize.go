package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutputEvent is the serialized form destined for an insight topic.
type OutputEvent struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// SerializeEvent marshals an enriched event for the insight topic. The key is
// the location id so per-location ordering survives topic partitioning.
func SerializeEvent(ev EnrichedEvent) (OutputEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize enriched event: %w", err)
	}
	return OutputEvent{
		Key:   []byte(ev.Location),
		Value: data,
		Headers: map[string]string{
			"record_type":  "event",
			"anomaly_flag": string(ev.AnomalyFlag),
			"processed_at": ev.ProcessedAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// SerializeTrend marshals a trend record for the trends topic.
func SerializeTrend(t TrendRecord) (OutputEvent, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize trend record: %w", err)
	}
	return OutputEvent{
		Key:   []byte(t.Location),
		Value: data,
		Headers: map[string]string{
			"record_type":  "trend",
			"window_start": t.WindowStart.UTC().Format(time.RFC3339),
		},
	}, nil
}

// SerializeKpi marshals a KPI record for the KPI topic.
func SerializeKpi(k KpiRecord) (OutputEvent, error) {
	data, err := json.Marshal(k)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize kpi record: %w", err)
	}
	return OutputEvent{
		Key:   []byte(k.Location),
		Value: data,
		Headers: map[string]string{
			"record_type": "kpi",
			"period":      string(k.Period),
		},
	}, nil
}
