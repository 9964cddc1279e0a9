// Package sink fans produced records out to their destinations with
// per-branch delivery semantics: at-least-once publish for real-time
// insights, idempotent appends for the archive, and natural-key upserts for
// the warehouse. Branches fail independently; an exhausted branch spills to
// the dead-letter area and the pipeline keeps flowing.
package sink

import (
	"encoding/json"
	"fmt"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
)

// Kind identifies the record class being routed.
type Kind string

const (
	KindEvent       Kind = "event"
	KindTrend       Kind = "trend"
	KindKpi         Kind = "kpi"
	KindSession     Kind = "session"
	KindReliability Kind = "reliability"
)

// Record is the routing envelope: exactly one of the typed fields is set,
// matching Kind.
type Record struct {
	Kind        Kind
	Event       *domain.EnrichedEvent
	Trend       *domain.TrendRecord
	Kpi         *domain.KpiRecord
	Session     *domain.SessionRecord
	Reliability *domain.ReliabilityRecord
}

// EventRecord wraps an enriched event for routing.
func EventRecord(ev domain.EnrichedEvent) Record {
	return Record{Kind: KindEvent, Event: &ev}
}

// TrendRecord wraps a trend record for routing.
func TrendRecord(t domain.TrendRecord) Record {
	return Record{Kind: KindTrend, Trend: &t}
}

// KpiRecord wraps a KPI record for routing.
func KpiRecord(k domain.KpiRecord) Record {
	return Record{Kind: KindKpi, Kpi: &k}
}

// SessionRecord wraps a session record for routing.
func SessionRecord(s domain.SessionRecord) Record {
	return Record{Kind: KindSession, Session: &s}
}

// ReliabilityRecord wraps a reliability record for routing.
func ReliabilityRecord(r domain.ReliabilityRecord) Record {
	return Record{Kind: KindReliability, Reliability: &r}
}

// Location returns the record's location key, which is also the ordering key
// for topic publishes.
func (r Record) Location() string {
	switch r.Kind {
	case KindEvent:
		return r.Event.Location
	case KindTrend:
		return r.Trend.Location
	case KindKpi:
		return r.Kpi.Location
	case KindSession:
		return r.Session.Location
	case KindReliability:
		return r.Reliability.Location
	}
	return ""
}

// NaturalKey returns the record's dedup key for idempotent destinations.
func (r Record) NaturalKey() string {
	switch r.Kind {
	case KindEvent:
		return r.Event.ID
	case KindTrend:
		return r.Trend.NaturalKey()
	case KindKpi:
		return r.Kpi.NaturalKey()
	case KindSession:
		return r.Session.NaturalKey()
	case KindReliability:
		return r.Reliability.NaturalKey()
	}
	return ""
}

// Payload marshals the inner record as JSON.
func (r Record) Payload() ([]byte, error) {
	switch r.Kind {
	case KindEvent:
		return json.Marshal(r.Event)
	case KindTrend:
		return json.Marshal(r.Trend)
	case KindKpi:
		return json.Marshal(r.Kpi)
	case KindSession:
		return json.Marshal(r.Session)
	case KindReliability:
		return json.Marshal(r.Reliability)
	}
	return nil, fmt.Errorf("unknown record kind %q", r.Kind)
}
