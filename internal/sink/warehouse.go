package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// WarehouseBranch upserts fact and aggregate rows into the relational
// warehouse. Every statement conflicts on the record's natural key, so
// replaying a checkpoint-bounded range after restart produces identical
// rows instead of duplicates.
type WarehouseBranch struct {
	db *sql.DB
}

// NewWarehouseBranch creates the warehouse branch over an open connection pool.
func NewWarehouseBranch(db *sql.DB) *WarehouseBranch {
	return &WarehouseBranch{db: db}
}

func (b *WarehouseBranch) Name() string { return "warehouse" }

func (b *WarehouseBranch) Accepts(kind Kind) bool {
	switch kind {
	case KindEvent, KindTrend, KindKpi, KindSession:
		return true
	}
	return false
}

func (b *WarehouseBranch) Write(ctx context.Context, records []Record) error {
	byKind := make(map[Kind][]Record)
	for _, rec := range records {
		byKind[rec.Kind] = append(byKind[rec.Kind], rec)
	}

	if err := b.upsertEvents(ctx, byKind[KindEvent]); err != nil {
		return err
	}
	if err := b.upsertTrends(ctx, byKind[KindTrend]); err != nil {
		return err
	}
	if err := b.upsertKpis(ctx, byKind[KindKpi]); err != nil {
		return err
	}
	return b.upsertSessions(ctx, byKind[KindSession])
}

func (b *WarehouseBranch) upsertEvents(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO sensor_events (id, location, event_time, is_error, anomaly_flag, env_health_score, payload) VALUES ")

	args := make([]any, 0, len(records)*7)
	for i, rec := range records {
		ev := rec.Event
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(placeholders(i*7, 7))

		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		args = append(args, ev.ID, ev.Location, ev.EventTime, ev.IsError,
			string(ev.AnomalyFlag), ev.EnvHealthScore, payload)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")

	if _, err := b.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d events: %w", len(records), err)
	}
	return nil
}

func (b *WarehouseBranch) upsertTrends(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO trend_windows (location, window_start, window_end, record_count, anomaly_count, error_count, anomaly_rate, payload) VALUES ")

	args := make([]any, 0, len(records)*8)
	for i, rec := range records {
		t := rec.Trend
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(placeholders(i*8, 8))

		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trend payload: %w", err)
		}
		args = append(args, t.Location, t.WindowStart, t.WindowEnd,
			t.Count, t.AnomalyCount, t.ErrorCount, t.AnomalyRate, payload)
	}
	sb.WriteString(" ON CONFLICT (location, window_start) DO UPDATE SET" +
		" window_end = EXCLUDED.window_end, record_count = EXCLUDED.record_count," +
		" anomaly_count = EXCLUDED.anomaly_count, error_count = EXCLUDED.error_count," +
		" anomaly_rate = EXCLUDED.anomaly_rate, payload = EXCLUDED.payload")

	if _, err := b.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d trends: %w", len(records), err)
	}
	return nil
}

func (b *WarehouseBranch) upsertKpis(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO kpi_periods (location, period, period_start, period_end, avg_health_score, pct_time_dry, anomaly_count, error_count, record_count, grade) VALUES ")

	args := make([]any, 0, len(records)*10)
	for i, rec := range records {
		k := rec.Kpi
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(placeholders(i*10, 10))
		args = append(args, k.Location, string(k.Period), k.PeriodStart, k.PeriodEnd,
			k.AvgHealthScore, k.PctTimeDry, k.AnomalyCount, k.ErrorCount, k.RecordCount, k.Grade)
	}
	sb.WriteString(" ON CONFLICT (location, period, period_start) DO UPDATE SET" +
		" period_end = EXCLUDED.period_end, avg_health_score = EXCLUDED.avg_health_score," +
		" pct_time_dry = EXCLUDED.pct_time_dry, anomaly_count = EXCLUDED.anomaly_count," +
		" error_count = EXCLUDED.error_count, record_count = EXCLUDED.record_count," +
		" grade = EXCLUDED.grade")

	if _, err := b.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d kpis: %w", len(records), err)
	}
	return nil
}

func (b *WarehouseBranch) upsertSessions(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO dry_sessions (id, location, trigger_name, started_at, ended_at, duration_seconds, readings) VALUES ")

	args := make([]any, 0, len(records)*7)
	for i, rec := range records {
		s := rec.Session
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(placeholders(i*7, 7))
		args = append(args, s.ID, s.Location, s.Trigger, s.StartedAt, s.EndedAt,
			s.Duration.Seconds(), s.Readings)
	}
	sb.WriteString(" ON CONFLICT (location, started_at) DO UPDATE SET" +
		" ended_at = EXCLUDED.ended_at, duration_seconds = EXCLUDED.duration_seconds," +
		" readings = EXCLUDED.readings")

	if _, err := b.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d sessions: %w", len(records), err)
	}
	return nil
}

// placeholders renders ($n,$n+1,...) starting after offset, for multi-row
// inserts with lib/pq positional arguments.
func placeholders(offset, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return "(" + strings.Join(parts, ",") + ")"
}
