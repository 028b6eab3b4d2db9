// Package postgres provides the PostgreSQL-backed engine cache and the
// outbox that relays safety events to Kafka.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drfirst/go-medsafe/internal/domain/safety"
)

// OutboxSchema creates the outbox table
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE processed_at IS NULL`

// DeadLetterTopic receives entries that exhausted their retries
const DeadLetterTopic = "dead.letter"

// OutboxEntry is one stored event awaiting relay
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// WriteEntry inserts an outbox entry. db may be a pool or a transaction.
func WriteEntry(ctx context.Context, db DB, entry *OutboxEntry) error {
	err := db.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// EnsureOutboxSchema creates the outbox table if it does not exist
func EnsureOutboxSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, OutboxSchema); err != nil {
		return fmt.Errorf("create outbox: %w", err)
	}
	return nil
}

// EventWriter stores safety domain events in the outbox table. The relay
// forwards them to Kafka, so a broker outage never loses an event.
type EventWriter struct {
	db    DB
	route func(safety.EventType) string
}

var _ safety.EventPublisher = (*EventWriter)(nil)

// NewEventWriter creates a writer that picks each entry's topic with route
func NewEventWriter(db DB, route func(safety.EventType) string) *EventWriter {
	return &EventWriter{db: db, route: route}
}

// Publish inserts event as an outbox entry keyed by its aggregate id
func (w *EventWriter) Publish(ctx context.Context, event *safety.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return WriteEntry(ctx, w.db, &OutboxEntry{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    w.route(event.EventType),
		KafkaKey:      event.AggregateID,
	})
}
