package kafka

import (
	"context"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/agrolytix/farm-insights-engine/internal/config"
	"github.com/agrolytix/farm-insights-engine/internal/domain"
)

// Writer publishes serialized records to insight topics. The topic is chosen
// per call, so one writer serves the events, trends, and KPI streams.
// It implements sink.TopicPublisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer. Messages are keyed by location, and
// the Hash balancer keeps a location pinned to one partition so per-location
// ordering holds downstream.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish writes all events to the given topic in one WriteMessages call.
func (w *Writer) Publish(ctx context.Context, topic string, events []domain.OutputEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i, ev := range events {
		headers := make([]kafkago.Header, 0, len(ev.Headers))
		for k, v := range ev.Headers {
			headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
		}
		msgs[i] = kafkago.Message{
			Topic:   topic,
			Key:     ev.Key,
			Value:   ev.Value,
			Headers: headers,
		}
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}
