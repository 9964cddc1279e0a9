// Package session detects contiguous dry-spell episodes per location.
//
// A session opens once the trigger condition (soil humidity below threshold)
// has held continuously for the qualifying duration, and closes once the
// condition has been false for at least the cooldown duration. The cooldown
// debounces single noisy readings so a brief wet blip does not split one
// episode into two.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
	"github.com/agrolytix/farm-insights-engine/internal/observability"
)

// TriggerName identifies the condition recorded on emitted sessions.
const TriggerName = "soil_humidity_below_threshold"

// Config holds the sessionizer tunables. The qualifying duration and
// cooldown are deliberately configuration, not constants.
type Config struct {
	DryThreshold float64       // soil humidity percent below which a reading is "dry"
	MinDuration  time.Duration // condition must hold this long before a session opens
	Cooldown     time.Duration // condition must stay false this long before a session closes
}

// Phase of the per-location state machine.
type Phase string

const (
	phaseIdle    Phase = "idle"    // no dry readings outstanding
	phasePending Phase = "pending" // dry, but not yet for the qualifying duration
	phaseActive  Phase = "active"  // session open, condition holding
	phaseCooling Phase = "cooling" // session open, condition false but within cooldown
)

// State is the open-session state for one location. Exported fields so the
// whole machine serializes into checkpoints.
type State struct {
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"started_at"` // first dry reading of the current run
	LastTrue  time.Time `json:"last_true"`  // most recent dry reading
	Readings  int64     `json:"readings"`   // dry readings observed this run
}

// Sessionizer owns all per-location session state for one partition.
type Sessionizer struct {
	cfg     Config
	states  map[string]*State
	closed  map[string]time.Time // last closed session end per location, for late detection
	metrics *observability.Metrics
}

// NewSessionizer creates an empty Sessionizer.
func NewSessionizer(cfg Config, metrics *observability.Metrics) *Sessionizer {
	return &Sessionizer{
		cfg:     cfg,
		states:  make(map[string]*State),
		closed:  make(map[string]time.Time),
		metrics: metrics,
	}
}

// Observe feeds one event through the state machine and returns a
// SessionRecord if this event closed a session. Events without a soil
// humidity reading do not advance the machine. Events older than the last
// closed session for their location are late and dropped with a counter.
func (s *Sessionizer) Observe(ev domain.EnrichedEvent) *domain.SessionRecord {
	hum, ok := ev.Metric(domain.MetricSoilHumidity)
	if !ok || ev.EventTime.IsZero() || ev.Location == "" {
		return nil
	}
	if end, wasClosed := s.closed[ev.Location]; wasClosed && !ev.EventTime.After(end) {
		s.metrics.LateEventsDropped.WithLabelValues("session").Inc()
		return nil
	}

	dry := hum < s.cfg.DryThreshold
	st, exists := s.states[ev.Location]
	if !exists {
		st = &State{Phase: phaseIdle}
		s.states[ev.Location] = st
	}

	switch st.Phase {
	case phaseIdle:
		if dry {
			st.StartedAt = ev.EventTime
			st.LastTrue = ev.EventTime
			st.Readings = 1
			st.Phase = phasePending
			s.promote(st, ev.EventTime)
		}
		return nil

	case phasePending:
		if !dry {
			// Condition broke before qualifying: not a session, reset.
			st.Phase = phaseIdle
			return nil
		}
		st.LastTrue = ev.EventTime
		st.Readings++
		s.promote(st, ev.EventTime)
		return nil

	case phaseActive:
		if dry {
			st.LastTrue = ev.EventTime
			st.Readings++
			return nil
		}
		st.Phase = phaseCooling
		return s.maybeClose(ev.Location, st, ev.EventTime)

	case phaseCooling:
		if dry {
			// Blip was shorter than the cooldown: same session continues.
			st.Phase = phaseActive
			st.LastTrue = ev.EventTime
			st.Readings++
			return nil
		}
		return s.maybeClose(ev.Location, st, ev.EventTime)
	}
	return nil
}

// promote moves pending to active once the condition has held long enough.
func (s *Sessionizer) promote(st *State, now time.Time) {
	if st.Phase == phasePending && now.Sub(st.StartedAt) >= s.cfg.MinDuration {
		st.Phase = phaseActive
		s.metrics.SessionsOpened.Inc()
	}
}

// Advance closes cooling sessions whose cooldown has elapsed relative to the
// watermark, so closure does not depend on another wet reading arriving.
func (s *Sessionizer) Advance(wm time.Time) []domain.SessionRecord {
	if wm.IsZero() {
		return nil
	}
	var out []domain.SessionRecord
	for location, st := range s.states {
		if st.Phase != phaseCooling {
			continue
		}
		if rec := s.maybeClose(location, st, wm); rec != nil {
			out = append(out, *rec)
		}
	}
	s.metrics.OpenSessions.Set(float64(s.openCount()))
	return out
}

// maybeClose finalizes a cooling session if the condition has been false for
// at least the cooldown. The session end is the last moment the condition
// was observed true.
func (s *Sessionizer) maybeClose(location string, st *State, now time.Time) *domain.SessionRecord {
	if now.Sub(st.LastTrue) < s.cfg.Cooldown {
		return nil
	}

	rec := domain.SessionRecord{
		ID:        uuid.NewString(),
		Location:  location,
		Trigger:   TriggerName,
		StartedAt: st.StartedAt,
		EndedAt:   st.LastTrue,
		Duration:  st.LastTrue.Sub(st.StartedAt),
		Readings:  st.Readings,
	}
	s.closed[location] = st.LastTrue
	delete(s.states, location)
	s.metrics.SessionsClosed.Inc()
	return &rec
}

func (s *Sessionizer) openCount() int {
	n := 0
	for _, st := range s.states {
		if st.Phase == phaseActive || st.Phase == phaseCooling {
			n++
		}
	}
	return n
}

// Snapshot is the serializable sessionizer state persisted at checkpoints.
type Snapshot struct {
	States map[string]*State    `json:"states"`
	Closed map[string]time.Time `json:"closed"`
}

// Snapshot copies the current state.
func (s *Sessionizer) Snapshot() Snapshot {
	snap := Snapshot{
		States: make(map[string]*State, len(s.states)),
		Closed: make(map[string]time.Time, len(s.closed)),
	}
	for k, v := range s.states {
		copied := *v
		snap.States[k] = &copied
	}
	for k, v := range s.closed {
		snap.Closed[k] = v
	}
	return snap
}

// Restore replaces the current state from a checkpoint snapshot.
func (s *Sessionizer) Restore(snap Snapshot) {
	s.states = snap.States
	s.closed = snap.Closed
	if s.states == nil {
		s.states = make(map[string]*State)
	}
	if s.closed == nil {
		s.closed = make(map[string]time.Time)
	}
}
