//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrolytix/farm-insights-engine/internal/adapter/kafka"
	"github.com/agrolytix/farm-insights-engine/internal/anomaly"
	"github.com/agrolytix/farm-insights-engine/internal/checkpoint"
	"github.com/agrolytix/farm-insights-engine/internal/config"
	"github.com/agrolytix/farm-insights-engine/internal/dimension"
	"github.com/agrolytix/farm-insights-engine/internal/domain"
	"github.com/agrolytix/farm-insights-engine/internal/observability"
	"github.com/agrolytix/farm-insights-engine/internal/pipeline"
	"github.com/agrolytix/farm-insights-engine/internal/sink"
)

const (
	testSourceTopic = "test-sensors"
	testEventsTopic = "test-insights"
	testTrendsTopic = "test-trends"
	testKpisTopic   = "test-kpis"
)

// insightMessage holds a deserialized message read from the events topic.
type insightMessage struct {
	Event   domain.EnrichedEvent
	Key     string
	Headers map[string]string
}

// readInsight reads a single message from the events consumer and deserializes it.
func readInsight(ctx context.Context, t *testing.T, consumer *kafkago.Reader) insightMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from events topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var event domain.EnrichedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event), "unmarshal insight message")

	return insightMessage{
		Event:   event,
		Key:     string(msg.Key),
		Headers: headers,
	}
}

func sensorPayload(location string, at time.Time, soilHumidity float64) []byte {
	return []byte(fmt.Sprintf(
		`{"timestamp":"%s","location":"%s","soil_temperature_c":21.5,"air_temperature_c":24.0,"soil_humidity_percent":%.1f,"air_humidity_percent":60.0,"soil_ph":6.8,"soil_salinity_ds_m":1.2}`,
		at.UTC().Format(time.RFC3339), location, soilHumidity))
}

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:        []string{broker},
		KafkaSourceTopic:    testSourceTopic,
		KafkaEventsTopic:    testEventsTopic,
		KafkaTrendsTopic:    testTrendsTopic,
		KafkaKpisTopic:      testKpisTopic,
		KafkaGroupID:        group,
		BatchSize:           50,
		PartitionCount:      2,
		TrendWindow:         5 * time.Minute,
		AllowedLateness:     0,
		MaxTimestampSkew:    5 * time.Minute,
		ZScoreThreshold:     3.0,
		EwmaAlpha:           0.05,
		AnomalyMinSamples:   30,
		ModelTimeout:        2 * time.Second,
		SessionDryThreshold: 30.0,
		SessionMinDuration:  10 * time.Minute,
		SessionCooldown:     15 * time.Minute,
		SinkMaxAttempts:     3,
		SinkBackoffBase:     100 * time.Millisecond,
		SinkBackoffCap:      time.Second,
		CheckpointInterval:  time.Second,
	}
}

func testDimensions() *dimension.Table {
	table := dimension.NewTable()
	table.Replace([]domain.LocationMeta{
		{ID: "greenhouse_north", Name: "North Greenhouse", CropType: "tomato", Lat: 52.1, Lon: 5.3},
		{ID: "greenhouse_south", Name: "South Greenhouse", CropType: "basil", Lat: 52.0, Lon: 5.2},
	})
	return table
}

// TestKafkaReaderWriter verifies the adapter layer: kafka.Reader (extractor)
// and kafka.Writer (publisher) correctly round-trip a message through Kafka.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testEventsTopic)

	cfg := testConfig(broker, fmt.Sprintf("test-reader-%d", time.Now().UnixNano()))

	eventTime := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	payload := sensorPayload("greenhouse_north", eventTime, 45.0)

	producer := &kafkago.Writer{
		Addr:  kafkago.TCP(broker),
		Topic: testSourceTopic,
	}
	t.Cleanup(func() { _ = producer.Close() })

	require.NoError(t, producer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte("greenhouse_north"),
		Value: payload,
	}))

	// Extract via kafka.Reader.
	// Retry because the consumer group may need time to rebalance before
	// partitions are assigned and messages become available.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	var batch []domain.RawEvent
	for {
		var err error
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
		if len(batch) > 0 {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for message from source topic")
		}
	}
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.Equal(t, []byte("greenhouse_north"), raw.Key)
	assert.Equal(t, payload, raw.Value)
	assert.Equal(t, testSourceTopic, raw.Topic)
	require.NotNil(t, raw.Commit, "commit callback should be set")
	require.NoError(t, raw.Commit(ctx))

	// Run the event through the transformation stages by hand.
	ev, err := domain.NewNormalizer(cfg.MaxTimestampSkew).Normalize(raw)
	require.NoError(t, err)
	ev = dimension.Join(ev, testDimensions())
	ev = domain.Enrich(ev)

	out, err := domain.SerializeEvent(ev)
	require.NoError(t, err)

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.Publish(ctx, cfg.KafkaEventsTopic, []domain.OutputEvent{out}))

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testEventsTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	im := readInsight(ctx, t, consumer)
	assert.Equal(t, "greenhouse_north", im.Key)
	assert.Equal(t, "event", im.Headers["record_type"])
	assert.Equal(t, "none", im.Headers["anomaly_flag"])
	_, err = time.Parse(time.RFC3339, im.Headers["processed_at"])
	assert.NoError(t, err, "processed_at should be valid RFC3339")

	assert.Equal(t, "greenhouse_north", im.Event.Location)
	assert.Equal(t, eventTime, im.Event.EventTime.UTC())
	assert.Equal(t, 21.5, im.Event.Metrics[domain.MetricSoilTemperature])
	assert.Equal(t, "Normal", im.Event.PHStatus)
	require.NotNil(t, im.Event.Meta)
	assert.Equal(t, "tomato", im.Event.Meta.CropType)
	assert.False(t, im.Event.IsError)
}

// TestEngineEndToEnd wires the full engine (reader, partition workers, insight
// branch) against real Kafka and verifies every reading comes out enriched.
func TestEngineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testEventsTopic)
	createTopic(t, broker, testTrendsTopic)
	createTopic(t, broker, testKpisTopic)

	cfg := testConfig(broker, fmt.Sprintf("test-engine-%d", time.Now().UnixNano()))

	// Publish readings for two locations, spaced one second apart.
	base := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	const perLocation = 10

	producer := &kafkago.Writer{
		Addr:  kafkago.TCP(broker),
		Topic: testSourceTopic,
	}
	t.Cleanup(func() { _ = producer.Close() })

	msgs := make([]kafkago.Message, 0, perLocation*2)
	for i := 0; i < perLocation; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		for _, loc := range []string{"greenhouse_north", "greenhouse_south"} {
			msgs = append(msgs, kafkago.Message{
				Key:   []byte(loc),
				Value: sensorPayload(loc, at, 45.0),
			})
		}
	}
	require.NoError(t, producer.WriteMessages(ctx, msgs...))

	// Wire up the engine.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	insight := sink.NewInsightBranch(writer, cfg.KafkaEventsTopic, cfg.KafkaTrendsTopic, cfg.KafkaKpisTopic)
	deadLetter, err := sink.NewDeadLetter(t.TempDir())
	require.NoError(t, err)
	router := sink.NewRouter([]sink.Branch{insight},
		sink.RetryPolicy{MaxAttempts: cfg.SinkMaxAttempts, Base: cfg.SinkBackoffBase, Cap: cfg.SinkBackoffCap},
		deadLetter, discardLogger(), metrics)
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	coord := pipeline.New(cfg, reader, testDimensions(), anomaly.NoopScorer{}, router,
		store, clockwork.NewRealClock(), discardLogger(), metrics)

	engineCtx, engineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- coord.Run(engineCtx) }()

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testEventsTopic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	received := make([]insightMessage, 0, len(msgs))
	for len(received) < len(msgs) {
		received = append(received, readInsight(ctx, t, consumer))
	}

	assert.NoError(t, coord.CheckReadiness(ctx), "engine is ready after processing")

	engineCancel()
	require.NoError(t, <-errCh)

	require.Len(t, received, len(msgs))
	perLoc := map[string]int{}
	for _, im := range received {
		perLoc[im.Event.Location]++

		assert.Equal(t, "event", im.Headers["record_type"])
		assert.Contains(t, im.Headers, "processed_at")
		assert.Equal(t, im.Event.Location, im.Key, "messages are keyed by location")

		assert.False(t, im.Event.IsError)
		require.NotNil(t, im.Event.Meta, "dimension join ran")
		assert.NotEmpty(t, im.Event.ID)
		assert.Equal(t, "Normal", im.Event.PHStatus)
		assert.False(t, im.Event.NeedsWatering)
	}
	assert.Equal(t, perLocation, perLoc["greenhouse_north"])
	assert.Equal(t, perLocation, perLoc["greenhouse_south"])
}

// TestEnginePoisonPill verifies that an unparseable message flows through
// flagged rather than stalling or vanishing, and valid traffic continues.
func TestEnginePoisonPill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testEventsTopic)

	cfg := testConfig(broker, fmt.Sprintf("test-poison-%d", time.Now().UnixNano()))

	producer := &kafkago.Writer{
		Addr:  kafkago.TCP(broker),
		Topic: testSourceTopic,
	}
	t.Cleanup(func() { _ = producer.Close() })

	eventTime := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	require.NoError(t, producer.WriteMessages(ctx,
		kafkago.Message{Key: []byte("greenhouse_north"), Value: []byte("not-json{{{")},
		kafkago.Message{Key: []byte("greenhouse_north"), Value: sensorPayload("greenhouse_north", eventTime, 45.0)},
	))

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	insight := sink.NewInsightBranch(writer, cfg.KafkaEventsTopic, cfg.KafkaTrendsTopic, cfg.KafkaKpisTopic)
	deadLetter, err := sink.NewDeadLetter(t.TempDir())
	require.NoError(t, err)
	router := sink.NewRouter([]sink.Branch{insight},
		sink.RetryPolicy{MaxAttempts: cfg.SinkMaxAttempts, Base: cfg.SinkBackoffBase, Cap: cfg.SinkBackoffCap},
		deadLetter, discardLogger(), metrics)
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	coord := pipeline.New(cfg, reader, testDimensions(), anomaly.NoopScorer{}, router,
		store, clockwork.NewRealClock(), discardLogger(), metrics)

	engineCtx, engineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- coord.Run(engineCtx) }()

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testEventsTopic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	// Both messages surface on the events topic: the poison pill as a flagged
	// placeholder, the valid reading fully enriched.
	first := readInsight(ctx, t, consumer)
	second := readInsight(ctx, t, consumer)

	engineCancel()
	require.NoError(t, <-errCh)

	flagged, valid := first, second
	if !flagged.Event.IsError {
		flagged, valid = second, first
	}
	assert.True(t, flagged.Event.IsError)
	assert.Contains(t, flagged.Event.Faults, "malformed_payload")
	assert.Equal(t, "greenhouse_north", flagged.Event.Location, "location recovered from the message key")

	assert.False(t, valid.Event.IsError)
	require.NotNil(t, valid.Event.Meta)
	assert.Equal(t, eventTime, valid.Event.EventTime.UTC())
}
