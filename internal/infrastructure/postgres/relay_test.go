package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// valuesRow scans values into dest by assignment; nil leaves the zero value
type valuesRow []any

func (r valuesRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if r[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(r[i]))
	}
	return nil
}

type entryRows struct {
	pgx.Rows
	rows []valuesRow
	i    int
}

func (r *entryRows) Next() bool {
	r.i++
	return r.i <= len(r.rows)
}

func (r *entryRows) Scan(dest ...any) error { return r.rows[r.i-1].Scan(dest...) }
func (r *entryRows) Close()                 {}
func (r *entryRows) Err() error             { return nil }

type relayTx struct {
	pgx.Tx
	locked    bool
	entries   []valuesRow
	execs     []call
	committed bool
}

func (tx *relayTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	return valuesRow{tx.locked}
}

func (tx *relayTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &entryRows{rows: tx.entries}, nil
}

func (tx *relayTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, call{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *relayTx) Commit(context.Context) error {
	tx.committed = true
	return nil
}

func (tx *relayTx) Rollback(context.Context) error { return nil }

type relayDB struct {
	fakeDB
	tx *relayTx
}

func (db *relayDB) Begin(context.Context) (pgx.Tx, error) { return db.tx, nil }

func entry(id int64, key, topic string, retries int) valuesRow {
	return valuesRow{id, key, "Prescription", "PrescriptionSafetyEvaluated",
		json.RawMessage(`{"id":"` + key + `"}`), topic, key,
		time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), retries, nil}
}

type publishRecord struct {
	topic, key string
	value      []byte
}

type recordingPublisher struct {
	sent []publishRecord
	fail map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.fail[key] {
		return errors.New("leader not available")
	}
	p.sent = append(p.sent, publishRecord{topic: topic, key: key, value: value})
	return nil
}

func TestRelayBatch_PublishesInOrder(t *testing.T) {
	tx := &relayTx{locked: true, entries: []valuesRow{
		entry(1, "rx-1", "safety.evaluations", 0),
		entry(2, "rx-2", "safety.evaluations", 0),
	}}
	pub := &recordingPublisher{}
	relay := NewRelay(&relayDB{tx: tx}, pub, RelayConfig{}, nil)

	n, err := relay.RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "rx-1", pub.sent[0].key)
	assert.Equal(t, "rx-2", pub.sent[1].key)

	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "processed_at = NOW()")
	assert.Equal(t, int64(1), tx.execs[0].args[0])
	assert.True(t, tx.committed)
}

func TestRelayBatch_FailureHoldsLaterEntriesForSameKey(t *testing.T) {
	tx := &relayTx{locked: true, entries: []valuesRow{
		entry(1, "rx-1", "safety.evaluations", 0),
		entry(2, "rx-2", "safety.evaluations", 0),
		entry(3, "rx-1", "safety.evaluations", 0),
	}}
	pub := &recordingPublisher{fail: map[string]bool{"rx-1": true}}
	relay := NewRelay(&relayDB{tx: tx}, pub, RelayConfig{}, nil)

	n, err := relay.RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "rx-2", pub.sent[0].key)

	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "retry_count = retry_count + 1")
	assert.Equal(t, "leader not available", tx.execs[0].args[0])
	assert.Equal(t, int64(1), tx.execs[0].args[1])
	assert.Equal(t, int64(2), tx.execs[1].args[0])
	assert.True(t, tx.committed)
}

func TestRelayBatch_LockHeldElsewhere(t *testing.T) {
	tx := &relayTx{locked: false, entries: []valuesRow{entry(1, "rx-1", "safety.evaluations", 0)}}
	pub := &recordingPublisher{}
	relay := NewRelay(&relayDB{tx: tx}, pub, RelayConfig{}, nil)

	n, err := relay.RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.sent)
	assert.False(t, tx.committed)
}

func TestDeadLetterExhausted(t *testing.T) {
	row := entry(9, "issue-4", "safety.events", 5)
	row[9] = strPtr("leader not available")
	tx := &relayTx{locked: true, entries: []valuesRow{row}}
	pub := &recordingPublisher{}
	relay := NewRelay(&relayDB{tx: tx}, pub, RelayConfig{}, nil)

	n, err := relay.DeadLetterExhausted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, DeadLetterTopic, pub.sent[0].topic)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &dl))
	assert.Equal(t, "safety.events", dl.OriginalTopic)
	assert.Equal(t, 5, dl.RetryCount)
	assert.Equal(t, "leader not available", dl.LastError)
	assert.JSONEq(t, `{"id":"issue-4"}`, string(dl.Payload))
	assert.True(t, tx.committed)
}

func TestRelayStatsAndPrune(t *testing.T) {
	oldest := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	db := &relayDB{}
	relay := NewRelay(db, &recordingPublisher{}, RelayConfig{}, nil)

	db.rows = []fakeRow{{values: []any{int64(12), int64(400), int64(2), oldest}}}
	stats, err := relay.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.Pending)
	assert.Equal(t, int64(2), stats.Failed)
	require.NotNil(t, stats.OldestPending)
	assert.True(t, oldest.Equal(*stats.OldestPending))
	assert.Equal(t, DefaultRelayConfig().MaxRetries, db.calls[0].args[0])

	deleted, err := relay.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	last := db.calls[len(db.calls)-1]
	assert.True(t, strings.HasPrefix(last.sql, "DELETE FROM outbox"))
	assert.Equal(t, (72 * time.Hour).Seconds(), last.args[0])
}

func strPtr(s string) *string { return &s }
