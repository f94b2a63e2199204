package event

import (
	"context"
	"log/slog"

	pkgkafka "github.com/utafrali/orderflow/pkg/kafka"
)

// LogPublisher writes events to the log instead of Kafka. It is used when
// KAFKA_DISABLED is set, typically for local runs on the memory driver.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs every event at Info.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event envelope. It never fails.
func (p *LogPublisher) Publish(ctx context.Context, topic string, evt *pkgkafka.Event) error {
	p.logger.InfoContext(ctx, "event",
		slog.String("topic", topic),
		slog.String("event_id", evt.EventID),
		slog.String("aggregate_id", evt.AggregateID),
		slog.String("data", string(evt.Data)),
	)
	return nil
}
