package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

// Emitter publishes identity lifecycle events. Emission is best
// effort: an event pipeline outage must never fail a verification or
// purge that has already committed.
type Emitter interface {
	Emit(ctx context.Context, event models.IdentityEvent)
}

// Publisher fans an event out to the Kafka identity-events topic and
// the ClickHouse audit table. Either sink may be absent.
type Publisher struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	topic      string
}

var _ Emitter = (*Publisher)(nil)

func NewPublisher(cfg *config.Config, producer *client.KafkaProducer, clickhouse *client.ClickHouseClient) *Publisher {
	return &Publisher{
		producer:   producer,
		clickhouse: clickhouse,
		topic:      cfg.Kafka.Topic,
	}
}

func (p *Publisher) Emit(ctx context.Context, event models.IdentityEvent) {
	now := time.Now().UTC()
	if event.EventTime.IsZero() {
		event.EventTime = now
	}
	if event.DateBucket == "" {
		event.DateBucket = event.EventTime.Format("2006-01-02")
	}

	if p.producer != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			util.Error("failed to marshal identity event", zap.Error(err))
			return
		}
		if err := p.producer.ProduceMessage(ctx, p.topic, []byte(event.IdentityID), payload, nil); err != nil {
			util.Error("failed to publish identity event",
				zap.String("event_type", event.EventType),
				zap.Error(err))
		}
	}

	if p.clickhouse != nil {
		err := p.clickhouse.Exec(ctx, `
			INSERT INTO identity_events (identity_id, event_type, event_time, event_date, purpose, details)
			VALUES (?, ?, ?, ?, ?, ?)`,
			event.IdentityID, event.EventType, event.EventTime,
			event.DateBucket, event.Purpose, event.Details)
		if err != nil {
			util.Error("failed to record audit event",
				zap.String("event_type", event.EventType),
				zap.Error(err))
		}
	}
}

// NopEmitter discards events. Used in tests and when both sinks are
// disabled.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, models.IdentityEvent) {}
