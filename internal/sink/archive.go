package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// ObjectStore appends immutable objects to the archive bucket.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
}

// ArchiveBranch writes all enriched events and reliability summaries to the
// object archive as JSON-lines objects. Object names are deterministic over
// the batch's natural keys, so replaying the same checkpoint range rewrites
// identical objects instead of duplicating data.
type ArchiveBranch struct {
	store ObjectStore
}

// NewArchiveBranch creates the archival branch.
func NewArchiveBranch(store ObjectStore) *ArchiveBranch {
	return &ArchiveBranch{store: store}
}

func (b *ArchiveBranch) Name() string { return "archive" }

func (b *ArchiveBranch) Accepts(kind Kind) bool {
	return kind == KindEvent || kind == KindReliability
}

func (b *ArchiveBranch) Write(ctx context.Context, records []Record) error {
	groups := make(map[string][]Record)
	for _, rec := range records {
		key := string(rec.Kind) + "/" + rec.Location()
		groups[key] = append(groups[key], rec)
	}

	for prefix, group := range groups {
		name, data, err := buildObject(prefix, group)
		if err != nil {
			return fmt.Errorf("archive branch: %w", err)
		}
		if err := b.store.Put(ctx, name, data); err != nil {
			return fmt.Errorf("archive put %s: %w", name, err)
		}
	}
	return nil
}

// buildObject serializes a group into one JSON-lines object with a name
// derived from the group's sorted natural keys.
func buildObject(prefix string, group []Record) (string, []byte, error) {
	sort.Slice(group, func(i, j int) bool {
		return group[i].NaturalKey() < group[j].NaturalKey()
	})

	var buf bytes.Buffer
	hash := sha256.New()
	for _, rec := range group {
		payload, err := rec.Payload()
		if err != nil {
			return "", nil, err
		}
		buf.Write(payload)
		buf.WriteByte('\n')
		hash.Write([]byte(rec.NaturalKey()))
		hash.Write([]byte{0})
	}

	bucket := recordTime(group[0]).UTC().Format("2006/01/02/15")
	name := fmt.Sprintf("%s/%s/%s.jsonl", prefix, bucket, hex.EncodeToString(hash.Sum(nil)[:12]))
	return name, buf.Bytes(), nil
}

func recordTime(rec Record) time.Time {
	switch rec.Kind {
	case KindEvent:
		return rec.Event.EventTime
	case KindReliability:
		return rec.Reliability.WindowStart
	}
	return time.Time{}
}
