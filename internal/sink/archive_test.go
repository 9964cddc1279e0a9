package sink

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
)

type memObjectStore struct {
	objects map[string][]byte
	puts    int
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (m *memObjectStore) Put(_ context.Context, name string, data []byte) error {
	m.puts++
	m.objects[name] = data
	return nil
}

func archiveEvent(id string, minute int) Record {
	return EventRecord(domain.EnrichedEvent{
		ID:        id,
		Location:  "greenhouse_north",
		EventTime: time.Date(2024, 5, 1, 12, minute, 0, 0, time.UTC),
		Metrics:   map[string]float64{domain.MetricSoilPH: 6.8},
	})
}

func TestArchiveAccepts(t *testing.T) {
	b := NewArchiveBranch(newMemObjectStore())
	assert.True(t, b.Accepts(KindEvent))
	assert.True(t, b.Accepts(KindReliability))
	assert.False(t, b.Accepts(KindTrend))
	assert.False(t, b.Accepts(KindSession))
}

func TestArchiveWritesJSONLines(t *testing.T) {
	store := newMemObjectStore()
	b := NewArchiveBranch(store)

	err := b.Write(context.Background(), []Record{archiveEvent("a", 0), archiveEvent("b", 1)})
	require.NoError(t, err)
	require.Equal(t, 1, store.puts, "one location and kind means one object")

	for name, data := range store.objects {
		assert.True(t, strings.HasPrefix(name, "event/greenhouse_north/2024/05/01/12/"), name)
		assert.True(t, strings.HasSuffix(name, ".jsonl"))
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		assert.Len(t, lines, 2)
	}
}

func TestArchiveObjectNameDeterministicForReplay(t *testing.T) {
	first := newMemObjectStore()
	require.NoError(t, NewArchiveBranch(first).Write(context.Background(),
		[]Record{archiveEvent("a", 0), archiveEvent("b", 1)}))

	// Same batch replayed in reverse order after a crash.
	second := newMemObjectStore()
	require.NoError(t, NewArchiveBranch(second).Write(context.Background(),
		[]Record{archiveEvent("b", 1), archiveEvent("a", 0)}))

	require.Len(t, first.objects, 1)
	require.Len(t, second.objects, 1)
	for name, data := range first.objects {
		assert.Equal(t, data, second.objects[name], "replay rewrites the identical object")
	}
}

func TestArchiveGroupsByKindAndLocation(t *testing.T) {
	store := newMemObjectStore()
	b := NewArchiveBranch(store)

	south := EventRecord(domain.EnrichedEvent{
		ID:        "c",
		Location:  "greenhouse_south",
		EventTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	rel := ReliabilityRecord(domain.ReliabilityRecord{
		Location:    "greenhouse_north",
		WindowStart: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC),
		Score:       98.5,
	})

	require.NoError(t, b.Write(context.Background(), []Record{archiveEvent("a", 0), south, rel}))
	assert.Equal(t, 3, store.puts)

	var kinds []string
	for name := range store.objects {
		kinds = append(kinds, name[:strings.Index(name, "/")])
	}
	assert.ElementsMatch(t, []string{"event", "event", "reliability"}, kinds)
}
