package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRow struct {
	values []any
	err    error
}

func (r scriptedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int:
			*p = r.values[i].(int)
		case *int64:
			*p = r.values[i].(int64)
		case *Status:
			*p = r.values[i].(Status)
		case *[]byte:
			*p = r.values[i].([]byte)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

// scriptedDB answers QueryRow from rows in order and records every statement
type scriptedDB struct {
	rows    []scriptedRow
	execErr error
	sql     []string
	args    [][]any
}

func (db *scriptedDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.sql = append(db.sql, sql)
	db.args = append(db.args, args)
	if len(db.rows) == 0 {
		return scriptedRow{err: pgx.ErrNoRows}
	}
	row := db.rows[0]
	db.rows = db.rows[1:]
	return row
}

func (db *scriptedDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.sql = append(db.sql, sql)
	db.args = append(db.args, args)
	return pgconn.NewCommandTag("UPDATE 1"), db.execErr
}

func (db *scriptedDB) last() (string, []any) {
	return db.sql[len(db.sql)-1], db.args[len(db.args)-1]
}

func TestPostgresInbox_FirstDelivery(t *testing.T) {
	db := &scriptedDB{rows: []scriptedRow{{values: []any{1}}}}
	inbox := NewPostgresInbox(db, InboxConfig{}, nil)

	res, err := inbox.Process(context.Background(), "k1", "fulfillment", json.RawMessage(`{}`), ok(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.False(t, res.Duplicate())

	assert.Contains(t, db.sql[0], "ON CONFLICT (idempotency_key) DO UPDATE")
	sql, args := db.last()
	assert.True(t, strings.HasPrefix(sql, "UPDATE message_inbox SET status"))
	assert.Equal(t, StatusFinished, args[0])
	assert.JSONEq(t, `{"ok":true}`, string(args[1].(json.RawMessage)))
}

func TestPostgresInbox_Recovered(t *testing.T) {
	db := &scriptedDB{rows: []scriptedRow{{values: []any{3}}}}
	inbox := NewPostgresInbox(db, InboxConfig{}, nil)

	res, err := inbox.Process(context.Background(), "k1", "report", nil, ok(`1`))
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.True(t, res.WasRecovered)
	assert.False(t, res.Duplicate())
}

func TestPostgresInbox_SettledKeys(t *testing.T) {
	never := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run for a settled key")
		return nil, nil
	}

	tests := []struct {
		name    string
		status  Status
		wantErr error
	}{
		{"finished", StatusFinished, nil},
		{"failed", StatusFailed, ErrPreviouslyFailed},
		{"held", StatusStarted, ErrMessageInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &scriptedDB{rows: []scriptedRow{
				{err: pgx.ErrNoRows},
				{values: []any{tt.status, []byte(`{"ok":true}`)}},
			}}
			inbox := NewPostgresInbox(db, InboxConfig{}, nil)

			res, err := inbox.Process(context.Background(), "k1", "report", nil, never)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Duplicate())
			assert.JSONEq(t, `{"ok":true}`, string(res.Result))
		})
	}
}

func TestPostgresInbox_HandlerFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status Status
	}{
		{"transient", errors.New("connection reset by peer"), StatusRecoverable},
		{"terminal", errors.New("invalid safety issue: patient id is required"), StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &scriptedDB{rows: []scriptedRow{{values: []any{1}}}}
			inbox := NewPostgresInbox(db, InboxConfig{}, nil)

			_, err := inbox.Process(context.Background(), "k1", "report", nil,
				func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, tt.err })
			assert.ErrorIs(t, err, tt.err)

			_, args := db.last()
			assert.Equal(t, tt.status, args[0])
			assert.Contains(t, string(args[1].(json.RawMessage)), tt.err.Error())
		})
	}
}

func TestPostgresInbox_ClaimError(t *testing.T) {
	boom := errors.New("pool exhausted")
	db := &scriptedDB{rows: []scriptedRow{{err: boom}}}
	inbox := NewPostgresInbox(db, InboxConfig{}, nil)

	_, err := inbox.Process(context.Background(), "k1", "report", nil, ok(`1`))
	assert.ErrorIs(t, err, boom)
}

func TestPostgresInbox_SweepAndStats(t *testing.T) {
	db := &scriptedDB{rows: []scriptedRow{{values: []any{int64(1), int64(40), int64(2), int64(3)}}}}
	inbox := NewPostgresInbox(db, InboxConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, inbox.Sweep(ctx))
	require.Len(t, db.sql, 2)
	assert.Contains(t, db.sql[0], "DELETE FROM message_inbox")
	assert.Contains(t, db.sql[1], "'RECOVERABLE'")
	assert.Equal(t, DefaultInboxConfig().RecoveryTimeout.Seconds(), db.args[1][0])

	stats, err := inbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), stats.Finished)
	assert.Equal(t, int64(46), stats.Total())

	db.execErr = errors.New("read-only transaction")
	assert.Error(t, inbox.Sweep(ctx))
}

func TestPostgresInbox_StopWithoutSweeper(t *testing.T) {
	NewPostgresInbox(&scriptedDB{}, InboxConfig{}, nil).Stop()
}
