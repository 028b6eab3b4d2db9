// Package idempotency records which consumed messages have already been
// applied so a redelivered fulfillment or safety report is not counted
// twice. Keys are deterministic hashes of the fields that identify a
// message, so a redelivery maps to the same entry.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry is one claimed message key
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Attempts       int
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig tunes retention and crash recovery
type InboxConfig struct {
	// DefaultTTL is how long a key is remembered
	DefaultTTL time.Duration
	// CleanupInterval is how often expired keys are swept
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED entry may go without an update
	// before another consumer may take it over
	RecoveryTimeout time.Duration
	// IsTerminal decides whether a handler error is final. Terminal
	// failures are never reprocessed.
	IsTerminal func(error) bool
}

// DefaultInboxConfig remembers keys for a week, comfortably longer than the
// broker's retention.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		IsTerminal:      isTerminalError,
	}
}

func (c InboxConfig) withDefaults() InboxConfig {
	d := DefaultInboxConfig()
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.IsTerminal == nil {
		c.IsTerminal = d.IsTerminal
	}
	return c
}

var (
	// ErrDuplicateMessage indicates the key was claimed concurrently
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another consumer holds the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// ProcessResult describes how a Process call was resolved
type ProcessResult struct {
	// IsNew is true when the key had never been seen
	IsNew bool
	// WasRecovered is true when an earlier attempt was retried
	WasRecovered bool
	Result       json.RawMessage
}

// Duplicate reports whether fn was skipped because the key had finished
func (r *ProcessResult) Duplicate() bool {
	return r != nil && !r.IsNew && !r.WasRecovered
}

// ProcessFunc applies a message. Its result is stored with the key.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Processor runs handlers at most once per key
type Processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error)
}

// GenerateKey hashes the identifying fields of a message into a key.
// Field order matters.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// TimeBucket truncates t to the minute so small clock drift between
// redeliveries yields the same key.
func TimeBucket(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

// terminalPhrases mark failures that a redelivery cannot fix
var terminalPhrases = []string{
	"validation",
	"invalid",
	"not found",
	"is required",
}

func isTerminalError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range terminalPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func errorResult(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
