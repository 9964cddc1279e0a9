package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DeadLetterEntry is one spilled record, self-describing enough for later
// manual reprocessing with cmd/deadletter.
type DeadLetterEntry struct {
	Branch     string          `json:"branch"`
	Kind       Kind            `json:"kind"`
	NaturalKey string          `json:"natural_key"`
	SpilledAt  time.Time       `json:"spilled_at"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
}

// DeadLetter appends exhausted records to per-branch JSON-lines files.
// Appends are serialized with a mutex; files are opened per spill so the
// directory can be drained externally while the engine runs.
type DeadLetter struct {
	dir string
	mu  sync.Mutex
}

// NewDeadLetter creates the holding directory if needed.
func NewDeadLetter(dir string) (*DeadLetter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dead-letter dir: %w", err)
	}
	return &DeadLetter{dir: dir}, nil
}

// Spill persists records that exhausted their delivery retries.
func (d *DeadLetter) Spill(branch string, reason string, records []Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := filepath.Join(d.dir, branch+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dead-letter file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	now := time.Now().UTC()
	for _, rec := range records {
		payload, err := rec.Payload()
		if err != nil {
			return fmt.Errorf("marshal dead-letter payload: %w", err)
		}
		entry := DeadLetterEntry{
			Branch:     branch,
			Kind:       rec.Kind,
			NaturalKey: rec.NaturalKey(),
			SpilledAt:  now,
			Reason:     reason,
			Payload:    payload,
		}
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("append dead-letter entry: %w", err)
		}
	}
	return f.Sync()
}
