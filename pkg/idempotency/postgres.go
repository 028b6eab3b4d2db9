package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DB is the subset of pgxpool.Pool the inbox uses
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InboxSchema creates the table behind PostgresInbox
const InboxSchema = `
CREATE TABLE IF NOT EXISTS message_inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 1,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS message_inbox_expires_at_idx ON message_inbox (expires_at);
CREATE INDEX IF NOT EXISTS message_inbox_started_idx ON message_inbox (updated_at) WHERE status = 'STARTED'`

// claimSQL inserts a fresh key or takes over one that may be retried:
// recoverable, abandoned by a crashed consumer, or expired. No row comes
// back when the key is held or settled.
const claimSQL = `
INSERT INTO message_inbox (idempotency_key, handler_name, status, attempts, payload, expires_at)
VALUES ($1, $2, 'STARTED', 1, $3, $4)
ON CONFLICT (idempotency_key) DO UPDATE
SET status     = 'STARTED',
    attempts   = CASE WHEN message_inbox.expires_at < NOW() THEN 1 ELSE message_inbox.attempts + 1 END,
    payload    = EXCLUDED.payload,
    result     = NULL,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW()
WHERE message_inbox.status = 'RECOVERABLE'
   OR message_inbox.expires_at < NOW()
   OR (message_inbox.status = 'STARTED' AND message_inbox.updated_at < NOW() - make_interval(secs => $5))
RETURNING attempts`

// PostgresInbox shares processed keys between every worker replica
type PostgresInbox struct {
	db     DB
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Processor = (*PostgresInbox)(nil)

// NewPostgresInbox creates an inbox backed by the message_inbox table
func NewPostgresInbox(db DB, cfg InboxConfig, logger *zap.Logger) *PostgresInbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresInbox{
		db:     db,
		config: cfg.withDefaults(),
		logger: logger,
		tracer: otel.Tracer("idempotency"),
	}
}

// EnsureSchema creates the inbox table if it does not exist
func (i *PostgresInbox) EnsureSchema(ctx context.Context) error {
	if _, err := i.db.Exec(ctx, InboxSchema); err != nil {
		return fmt.Errorf("create message_inbox: %w", err)
	}
	return nil
}

// Process claims key and runs fn. A finished key returns its stored result
// without calling fn.
func (i *PostgresInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	attempts, err := i.claim(ctx, key, handlerName, payload)
	if errors.Is(err, pgx.ErrNoRows) {
		res, err := i.settled(ctx, key)
		if res != nil {
			span.SetAttributes(attribute.Bool("duplicate", true))
		}
		return res, err
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.mark(ctx, key, status, errorResult(handlerErr)); err != nil {
			i.logger.Error("failed to record handler failure",
				zap.String("handler", handlerName), zap.String("status", string(status)), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// the handler's effects already happened; a lost FINISHED mark only
	// means the key is retried after RecoveryTimeout
	if err := i.mark(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("failed to mark message finished", zap.String("handler", handlerName), zap.Error(err))
	}
	return &ProcessResult{IsNew: attempts == 1, WasRecovered: attempts > 1, Result: result}, nil
}

func (i *PostgresInbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (int, error) {
	expiresAt := time.Now().Add(i.config.DefaultTTL)
	var attempts int
	err := i.db.QueryRow(ctx, claimSQL, key, handlerName, payload, expiresAt,
		i.config.RecoveryTimeout.Seconds()).Scan(&attempts)
	return attempts, err
}

// settled explains why a key could not be claimed
func (i *PostgresInbox) settled(ctx context.Context, key string) (*ProcessResult, error) {
	var (
		status Status
		result []byte
	)
	err := i.db.QueryRow(ctx,
		`SELECT status, result FROM message_inbox WHERE idempotency_key = $1`, key).Scan(&status, &result)
	if errors.Is(err, pgx.ErrNoRows) {
		// swept between the claim and this read
		return nil, ErrDuplicateMessage
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox entry %s: %w", key, err)
	}

	switch status {
	case StatusFinished:
		return &ProcessResult{Result: result}, nil
	case StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	default:
		return nil, ErrMessageInProgress
	}
}

func (i *PostgresInbox) mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.db.Exec(ctx,
		`UPDATE message_inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartSweeper periodically drops expired keys and releases entries left
// STARTED by a consumer that died mid-message.
func (i *PostgresInbox) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})

	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := i.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
					i.logger.Error("inbox sweep failed", zap.Error(err))
				}
			}
		}
	}()
	i.logger.Info("inbox sweeper started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop halts the sweeper
func (i *PostgresInbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
}

// Sweep runs one cleanup pass
func (i *PostgresInbox) Sweep(ctx context.Context) error {
	deleted, err := i.db.Exec(ctx, `DELETE FROM message_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return fmt.Errorf("delete expired keys: %w", err)
	}
	released, err := i.db.Exec(ctx,
		`UPDATE message_inbox SET status = 'RECOVERABLE', updated_at = NOW()
		 WHERE status = 'STARTED' AND updated_at < NOW() - make_interval(secs => $1)`,
		i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return fmt.Errorf("release stale keys: %w", err)
	}

	if deleted.RowsAffected() > 0 || released.RowsAffected() > 0 {
		i.logger.Info("inbox sweep completed",
			zap.Int64("expired", deleted.RowsAffected()),
			zap.Int64("released", released.RowsAffected()))
	}
	return nil
}

// InboxStats holds entry counts per status
type InboxStats struct {
	Started     int64
	Finished    int64
	Recoverable int64
	Failed      int64
}

// Total is the number of remembered keys
func (s InboxStats) Total() int64 {
	return s.Started + s.Finished + s.Recoverable + s.Failed
}

// Stats counts entries by status
func (i *PostgresInbox) Stats(ctx context.Context) (InboxStats, error) {
	var s InboxStats
	err := i.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'STARTED'),
		       COUNT(*) FILTER (WHERE status = 'FINISHED'),
		       COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
		       COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM message_inbox`).Scan(&s.Started, &s.Finished, &s.Recoverable, &s.Failed)
	return s, err
}
