package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

var _ Processor = (*MemoryInbox)(nil)

// MemoryInbox is a process-local Processor for deployments without a
// database. Entries do not survive a restart.
type MemoryInbox struct {
	config InboxConfig
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*InboxEntry
}

// NewMemoryInbox creates an empty in-memory inbox
func NewMemoryInbox(cfg InboxConfig) *MemoryInbox {
	return &MemoryInbox{
		config:  cfg.withDefaults(),
		now:     time.Now,
		entries: make(map[string]*InboxEntry),
	}
}

// Process runs fn unless key already finished, failed terminally or is
// being handled by another caller.
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	now := m.now()
	entry, exists := m.entries[key]
	if exists && entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
		delete(m.entries, key)
		exists = false
	}

	recovered := false
	if exists {
		switch entry.Status {
		case StatusFinished:
			res := &ProcessResult{IsNew: false, Result: entry.Result}
			m.mu.Unlock()
			return res, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= m.config.RecoveryTimeout {
				m.mu.Unlock()
				return nil, ErrMessageInProgress
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	expires := now.Add(m.config.DefaultTTL)
	started := &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Attempts:       1,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expires,
	}
	if exists {
		started.CreatedAt = entry.CreatedAt
		started.Attempts = entry.Attempts + 1
	}
	m.entries[key] = started
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	started.UpdatedAt = m.now()
	if err != nil {
		started.Status = StatusRecoverable
		if m.config.IsTerminal(err) {
			started.Status = StatusFailed
		}
		started.Result = errorResult(err)
		return nil, err
	}
	started.Status = StatusFinished
	started.Result = result
	return &ProcessResult{IsNew: !exists, WasRecovered: recovered, Result: result}, nil
}

// Len reports the number of tracked keys
func (m *MemoryInbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
