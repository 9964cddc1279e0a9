package sink

import (
	"context"
	"fmt"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
)

// TopicPublisher publishes serialized records to a named topic. Delivery is
// at-least-once; ordering is guaranteed only within a location key.
type TopicPublisher interface {
	Publish(ctx context.Context, topic string, events []domain.OutputEvent) error
}

// InsightBranch publishes real-time copies of enriched events, trends, and
// KPIs to their respective topics for dashboards and downstream consumers.
type InsightBranch struct {
	publisher   TopicPublisher
	eventsTopic string
	trendsTopic string
	kpisTopic   string
}

// NewInsightBranch creates the real-time publish branch.
func NewInsightBranch(publisher TopicPublisher, eventsTopic, trendsTopic, kpisTopic string) *InsightBranch {
	return &InsightBranch{
		publisher:   publisher,
		eventsTopic: eventsTopic,
		trendsTopic: trendsTopic,
		kpisTopic:   kpisTopic,
	}
}

func (b *InsightBranch) Name() string { return "insight" }

func (b *InsightBranch) Accepts(kind Kind) bool {
	return kind == KindEvent || kind == KindTrend || kind == KindKpi
}

func (b *InsightBranch) Write(ctx context.Context, records []Record) error {
	byTopic := make(map[string][]domain.OutputEvent)

	for _, rec := range records {
		var (
			out   domain.OutputEvent
			topic string
			err   error
		)
		switch rec.Kind {
		case KindEvent:
			topic = b.eventsTopic
			out, err = domain.SerializeEvent(*rec.Event)
		case KindTrend:
			topic = b.trendsTopic
			out, err = domain.SerializeTrend(*rec.Trend)
		case KindKpi:
			topic = b.kpisTopic
			out, err = domain.SerializeKpi(*rec.Kpi)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("insight branch: %w", err)
		}
		byTopic[topic] = append(byTopic[topic], out)
	}

	for topic, events := range byTopic {
		if err := b.publisher.Publish(ctx, topic, events); err != nil {
			return fmt.Errorf("publish %d records to %s: %w", len(events), topic, err)
		}
	}
	return nil
}
