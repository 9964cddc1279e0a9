// Package checkpoint persists per-partition engine state so a restart can
// resume from the last consistent point instead of reprocessing from scratch.
//
// Each partition's snapshot (offsets, open windows, open sessions, anomaly
// baselines, watermark high) is written as one atomic unit: serialized to a
// temp file, fsynced, then renamed over the previous snapshot. A snapshot
// that fails integrity verification on load is a fatal condition: the
// engine refuses to resume silently from inconsistent state.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agrolytix/farm-insights-engine/internal/anomaly"
	"github.com/agrolytix/farm-insights-engine/internal/session"
	"github.com/agrolytix/farm-insights-engine/internal/window"
)

// ErrCorrupt indicates a checkpoint exists but cannot be trusted. Callers
// must treat this as fatal and require operator intervention.
var ErrCorrupt = errors.New("checkpoint corrupt")

// Snapshot is the complete recoverable state of one partition worker.
type Snapshot struct {
	Partition int `json:"partition"`

	// Offsets maps source topic partition -> last processed offset.
	Offsets map[int]int64 `json:"offsets"`

	// WatermarkHigh is the highest event time observed by this partition.
	WatermarkHigh time.Time `json:"watermark_high"`

	Windows   window.Snapshot  `json:"windows"`
	Sessions  session.Snapshot `json:"sessions"`
	Baselines anomaly.Snapshot `json:"baselines"`

	SavedAt time.Time `json:"saved_at"`
}

// envelope wraps a snapshot with its integrity checksum on disk.
type envelope struct {
	Checksum string          `json:"checksum"`
	State    json.RawMessage `json:"state"`
}

// Store persists and recovers partition snapshots.
type Store interface {
	Save(snap Snapshot) error
	// Load returns the stored snapshot, or ok=false when none exists yet.
	// A snapshot that exists but fails verification returns ErrCorrupt.
	Load(partition int) (Snapshot, bool, error)
}

// FileStore keeps one JSON snapshot file per partition under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(partition int) string {
	return filepath.Join(s.dir, fmt.Sprintf("partition-%d.json", partition))
}

// Save writes the snapshot atomically: temp file, fsync, rename.
func (s *FileStore) Save(snap Snapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	env := envelope{
		Checksum: checksum(state),
		State:    state,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal checkpoint envelope: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf("partition-%d-*.tmp", snap.Partition))
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(snap.Partition)); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load reads and verifies a partition's snapshot.
func (s *FileStore) Load(partition int) (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path(partition))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: partition %d: %v", ErrCorrupt, partition, err)
	}
	if env.Checksum != checksum(env.State) {
		return Snapshot{}, false, fmt.Errorf("%w: partition %d: checksum mismatch", ErrCorrupt, partition)
	}

	var snap Snapshot
	if err := json.Unmarshal(env.State, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: partition %d: %v", ErrCorrupt, partition, err)
	}
	if snap.Partition != partition {
		return Snapshot{}, false, fmt.Errorf("%w: partition %d: snapshot labeled %d", ErrCorrupt, partition, snap.Partition)
	}
	return snap, true, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
