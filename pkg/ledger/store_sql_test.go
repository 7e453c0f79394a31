package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_AppendInsertsOneRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	ev := &Event{
		Sequence:  7,
		Type:      EventTaskClaimed,
		Actor:     "agent-s",
		Payload:   []byte(`{"task_id":"t-1"}`),
		Timestamp: ts,
		PrevHash:  "sha256:aa",
		Hash:      "sha256:bb",
	}

	mock.ExpectExec("INSERT INTO ledger_events").
		WithArgs(int64(7), "TASK_CLAIMED", "agent-s", `{"task_id":"t-1"}`,
			ts.Format(time.RFC3339Nano), "sha256:aa", "sha256:bb").
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewSQLStore(db)
	require.NoError(t, store.Append(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendSurfacesDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO ledger_events").
		WillReturnError(errors.New("connection reset"))

	store := NewSQLStore(db)
	err = store.Append(context.Background(), &Event{Sequence: 1, Type: EventTaskCreated, Actor: "a", Timestamp: time.Now(), PrevHash: "genesis", Hash: "sha256:x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSQLStore_LastEmptyAndPopulated(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	cols := []string{"sequence", "event_type", "actor", "payload", "ts", "prev_hash", "hash"}

	// ------- empty table -------
	mock.ExpectQuery("FROM ledger_events ORDER BY sequence DESC").
		WillReturnRows(sqlmock.NewRows(cols))

	_, ok, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// ------- populated -------
	ts := time.Date(2026, 3, 1, 9, 30, 0, 42, time.UTC).Format(time.RFC3339Nano)
	mock.ExpectQuery("FROM ledger_events ORDER BY sequence DESC").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3), "TASK_DEAD", "SYSTEM", nil, ts, "sha256:p", "sha256:h"))

	ev, ok, err := store.Last(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), ev.Sequence)
	assert.Equal(t, EventTaskDead, ev.Type)
	assert.Empty(t, ev.Payload)
	assert.Equal(t, 42, ev.Timestamp.Nanosecond(), "nanosecond precision survives the round trip")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PageOrdersAscending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cols := []string{"sequence", "event_type", "actor", "payload", "ts", "prev_hash", "hash"}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	mock.ExpectQuery("FROM ledger_events WHERE sequence >=").
		WithArgs(int64(5), 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(5), "TASK_CREATED", "SYSTEM", `{"a":1}`, ts, "sha256:p1", "sha256:h1").
			AddRow(int64(6), "TASK_CLAIMED", "agent-q", nil, ts, "sha256:h1", "sha256:h2"))

	store := NewSQLStore(db)
	page, err := store.Page(context.Background(), 5, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(5), page[0].Sequence)
	assert.Equal(t, uint64(6), page[1].Sequence)
	assert.JSONEq(t, `{"a":1}`, string(page[0].Payload))
}

func TestSQLStore_BadTimestampRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cols := []string{"sequence", "event_type", "actor", "payload", "ts", "prev_hash", "hash"}
	mock.ExpectQuery("FROM ledger_events ORDER BY sequence DESC").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(0), "TASK_CREATED", "SYSTEM", nil, "yesterday-ish", "genesis", "sha256:h"))

	store := NewSQLStore(db)
	_, _, err = store.Last(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad timestamp")
}
