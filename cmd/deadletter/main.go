// Command deadletter replays spilled sink records back onto Kafka topics.
// The engine writes one JSON-lines file per sink branch under the dead-letter
// directory; an operator runs this tool once the downstream outage is over.
//
// Usage:
//
//	go run ./cmd/deadletter \
//	  -dir ./data/deadletter \
//	  -branch insight \
//	  -brokers localhost:9092 \
//	  -topic farm-insights
//
// With -dry-run the tool prints what it would replay without publishing.
// On success the drained file is renamed with a .done suffix.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/agrolytix/farm-insights-engine/internal/sink"
)

func main() {
	dir := flag.String("dir", "./data/deadletter", "dead-letter directory")
	branch := flag.String("branch", "", "branch file to replay (insight, warehouse, archive)")
	brokers := flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
	topic := flag.String("topic", "", "destination topic")
	dryRun := flag.Bool("dry-run", false, "print entries without publishing")
	flag.Parse()

	if *branch == "" || (*topic == "" && !*dryRun) {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*dir, *branch, *brokers, *topic, *dryRun); code != 0 {
		os.Exit(code)
	}
}

func run(dir, branch, brokers, topic string, dryRun bool) int {
	path := filepath.Join(dir, branch+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		return 1
	}
	defer f.Close()

	entries, err := readEntries(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("nothing to replay")
		return 0
	}

	if dryRun {
		for _, e := range entries {
			fmt.Printf("%s\t%s\t%s\t%s\n", e.Kind, e.NaturalKey, e.SpilledAt.Format(time.RFC3339), e.Reason)
		}
		fmt.Printf("%d entries (dry run, nothing published)\n", len(entries))
		return 0
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	defer writer.Close()

	msgs := make([]kafkago.Message, len(entries))
	for i, e := range entries {
		msgs[i] = kafkago.Message{
			Key:   []byte(keyFor(e)),
			Value: e.Payload,
			Headers: []kafkago.Header{
				{Key: "record_type", Value: []byte(e.Kind)},
				{Key: "replayed_from", Value: []byte(e.Branch)},
			},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		fmt.Fprintf(os.Stderr, "publish: %v\n", err)
		return 1
	}
	fmt.Printf("replayed %d entries to %s\n", len(entries), topic)

	done := path + "." + time.Now().UTC().Format("20060102T150405") + ".done"
	if err := os.Rename(path, done); err != nil {
		fmt.Fprintf(os.Stderr, "rename drained file: %v\n", err)
		return 1
	}
	fmt.Printf("drained file moved to %s\n", done)
	return 0
}

func readEntries(f *os.File) ([]sink.DeadLetterEntry, error) {
	var entries []sink.DeadLetterEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e sink.DeadLetterEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// keyFor recovers the location from the natural key so replayed messages land
// on the same partition as live traffic.
func keyFor(e sink.DeadLetterEntry) string {
	if i := strings.IndexByte(e.NaturalKey, '|'); i > 0 {
		return e.NaturalKey[:i]
	}
	return e.NaturalKey
}
