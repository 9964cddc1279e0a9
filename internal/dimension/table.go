// Package dimension provides the read-only location dimension table.
//
// The table is a snapshot replaced atomically on refresh; readers never
// observe a partially updated table and never block on a refresh in flight.
package dimension

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
)

// Provider resolves a location id to its dimension row.
type Provider interface {
	Lookup(id string) (domain.LocationMeta, bool)
}

// Fetcher loads a full dimension snapshot from the external source.
type Fetcher interface {
	Fetch(ctx context.Context) ([]domain.LocationMeta, error)
}

// Table is an atomically swapped snapshot of the location dimension.
// The zero value is not usable; construct with NewTable.
type Table struct {
	snapshot atomic.Pointer[map[string]domain.LocationMeta]
}

// NewTable creates an empty table. Every lookup misses until the first Replace.
func NewTable() *Table {
	t := &Table{}
	empty := map[string]domain.LocationMeta{}
	t.snapshot.Store(&empty)
	return t
}

// Lookup returns the dimension row for a location id.
func (t *Table) Lookup(id string) (domain.LocationMeta, bool) {
	m := *t.snapshot.Load()
	meta, ok := m[id]
	return meta, ok
}

// Replace swaps in a new snapshot built from the given rows.
func (t *Table) Replace(rows []domain.LocationMeta) {
	m := make(map[string]domain.LocationMeta, len(rows))
	for _, row := range rows {
		m[row.ID] = row
	}
	t.snapshot.Store(&m)
}

// Len reports the number of rows in the current snapshot.
func (t *Table) Len() int {
	return len(*t.snapshot.Load())
}

// Poller refreshes a Table from a Fetcher on a fixed interval. A failed fetch
// keeps the last-good snapshot; per-event lookups are never blocked.
type Poller struct {
	table    *Table
	fetcher  Fetcher
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewPoller creates a Poller. Pass clockwork.NewRealClock() outside tests.
func NewPoller(table *Table, fetcher Fetcher, interval time.Duration, clk clockwork.Clock, logger *slog.Logger) *Poller {
	return &Poller{
		table:    table,
		fetcher:  fetcher,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Run fetches once immediately, then on every tick until the context is
// cancelled. It always returns nil: refresh failures are logged, not fatal.
func (p *Poller) Run(ctx context.Context) error {
	p.refresh(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.refresh(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	rows, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.logger.Warn("dimension refresh failed, keeping last snapshot",
			"error", err, "rows", p.table.Len())
		return
	}
	p.table.Replace(rows)
	p.logger.Debug("dimension snapshot replaced", "rows", len(rows))
}

// Join attaches location metadata to an event. A miss leaves Meta nil and
// flags the event; the stream is never blocked waiting for a refresh.
func Join(ev domain.EnrichedEvent, provider Provider) domain.EnrichedEvent {
	meta, ok := provider.Lookup(ev.Location)
	if !ok {
		ev.IsError = true
		ev.Faults = append(ev.Faults, "dimension_miss")
		return ev
	}
	ev.Meta = &meta
	return ev
}
