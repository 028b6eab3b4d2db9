package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RelayConfig tunes the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries published per transaction
	BatchSize int
	// PollInterval is how often the table is polled
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is
	// dead-lettered
	MaxRetries int
	// MaintenanceInterval is how often exhausted entries are dead-lettered
	// and old processed entries deleted
	MaintenanceInterval time.Duration
	// RetainProcessed is how long processed entries are kept
	RetainProcessed time.Duration
}

// DefaultRelayConfig returns the relay defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:           100,
		PollInterval:        500 * time.Millisecond,
		MaxRetries:          5,
		MaintenanceInterval: time.Minute,
		RetainProcessed:     72 * time.Hour,
	}
}

func (c RelayConfig) withDefaults() RelayConfig {
	d := DefaultRelayConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.RetainProcessed <= 0 {
		c.RetainProcessed = d.RetainProcessed
	}
	return c
}

// relayLockID is the advisory lock shared by all relay replicas
const relayLockID = int64(0x6d656473616665)

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	kafka_topic, kafka_key, created_at, retry_count, last_error`

// RecordPublisher writes relayed entries to the broker
type RecordPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// TxDB is the subset of pgxpool.Pool the relay uses
type TxDB interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DeadLetter is the envelope published for an entry that exhausted its
// retries
type DeadLetter struct {
	OriginalTopic string          `json:"originalTopic"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retryCount"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Relay forwards stored outbox entries to the broker in id order. Each
// batch runs in one transaction holding a transaction-scoped advisory lock,
// so only one replica relays at a time and the lock cannot leak.
type Relay struct {
	db        TxDB
	config    RelayConfig
	publisher RecordPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay
func NewRelay(db TxDB, publisher RecordPublisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		db:        db,
		config:    cfg.withDefaults(),
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// Start polls the outbox until Stop is called
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx)
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the in-flight batch and halts the relay
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)

	poll := time.NewTicker(r.config.PollInterval)
	defer poll.Stop()
	maintenance := time.NewTicker(r.config.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if _, err := r.RelayBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("outbox relay batch failed", zap.Error(err))
			}
		case <-maintenance.C:
			r.maintain(ctx)
		}
	}
}

func (r *Relay) maintain(ctx context.Context) {
	moved, err := r.DeadLetterExhausted(ctx)
	if err != nil {
		r.logger.Error("dead letter sweep failed", zap.Error(err))
	} else if moved > 0 {
		r.logger.Warn("outbox entries dead-lettered", zap.Int("count", moved))
	}

	deleted, err := r.Prune(ctx)
	if err != nil {
		r.logger.Error("outbox prune failed", zap.Error(err))
	} else if deleted > 0 {
		r.logger.Info("outbox pruned", zap.Int64("deleted", deleted))
	}
}

// RelayBatch publishes up to BatchSize pending entries and returns how many
// were relayed. Once an entry fails, later entries with the same key wait
// for the next batch so an aggregate's events stay in order.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	relayed := 0
	err := r.locked(ctx, func(tx pgx.Tx) error {
		entries, err := r.fetch(ctx, tx, `WHERE processed_at IS NULL AND retry_count < $1`)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		blocked := make(map[string]bool)
		for _, entry := range entries {
			if blocked[entry.KafkaKey] {
				continue
			}
			pubErr := r.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload)
			if pubErr != nil {
				blocked[entry.KafkaKey] = true
				r.logger.Warn("outbox publish failed",
					zap.Int64("id", entry.ID),
					zap.String("event_type", entry.EventType),
					zap.Int("retry_count", entry.RetryCount+1),
					zap.Error(pubErr))
				if _, err := tx.Exec(ctx,
					`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`,
					pubErr.Error(), entry.ID); err != nil {
					return fmt.Errorf("record failure of entry %d: %w", entry.ID, err)
				}
				continue
			}
			if err := markProcessed(ctx, tx, entry.ID); err != nil {
				return err
			}
			relayed++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return relayed, err
}

// DeadLetterExhausted publishes entries that used up their retries to the
// dead letter topic and marks them processed.
func (r *Relay) DeadLetterExhausted(ctx context.Context) (int, error) {
	moved := 0
	err := r.locked(ctx, func(tx pgx.Tx) error {
		entries, err := r.fetch(ctx, tx, `WHERE processed_at IS NULL AND retry_count >= $1`)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			dl := DeadLetter{
				OriginalTopic: entry.KafkaTopic,
				EventType:     entry.EventType,
				AggregateID:   entry.AggregateID,
				Payload:       entry.Payload,
				RetryCount:    entry.RetryCount,
				CreatedAt:     entry.CreatedAt,
			}
			if entry.LastError != nil {
				dl.LastError = *entry.LastError
			}
			value, err := json.Marshal(dl)
			if err != nil {
				return fmt.Errorf("encode dead letter %d: %w", entry.ID, err)
			}
			if err := r.publisher.Publish(ctx, DeadLetterTopic, entry.KafkaKey, value); err != nil {
				r.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
				continue
			}
			if err := markProcessed(ctx, tx, entry.ID); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	return moved, err
}

// Prune deletes processed entries older than RetainProcessed
func (r *Relay) Prune(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - make_interval(secs => $1)`,
		r.config.RetainProcessed.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// locked runs fn in a transaction that holds the relay lock. It returns
// without calling fn when another replica holds the lock.
func (r *Relay) locked(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin relay transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("relay lock: %w", err)
	}
	if !acquired {
		return nil
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Relay) fetch(ctx context.Context, tx pgx.Tx, where string) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+entryColumns+` FROM outbox `+where+` ORDER BY id LIMIT $2`,
		r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return entries, nil
}

func markProcessed(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark entry %d processed: %w", id, err)
	}
	return nil
}

// RelayStats summarizes the outbox backlog
type RelayStats struct {
	Pending int64
	// Processed counts entries relayed in the last 24 hours
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// Stats reads the backlog in one query
func (r *Relay) Stats(ctx context.Context) (RelayStats, error) {
	var s RelayStats
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
		       COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
		       COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
		       MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, r.config.MaxRetries).Scan(&s.Pending, &s.Processed, &s.Failed, &s.OldestPending)
	if err != nil {
		return RelayStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
