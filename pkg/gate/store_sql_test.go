package gate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockAgentStore(t *testing.T) (*SQLAgentStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLAgentStore(db), mock
}

func TestSQLAgentStorePutTransactional(t *testing.T) {
	store, mock := newMockAgentStore(t)

	sworn := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	agent := &Agent{
		ID:           "agent-sql",
		PublicKey:    "aabb",
		Capabilities: []string{"triage"},
		OathStatus:   OathSworn,
		OathEventID:  12,
		RegisteredAt: sworn,
	}
	oath := &OathRecord{
		AgentID:    "agent-sql",
		PolicyHash: "sha256:feed",
		Signature:  "cafe",
		SwornAt:    sworn,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO agents`).
		WithArgs("agent-sql", "aabb", `["triage"]`, "sworn", int64(12), "",
			sworn.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO oath_records`).
		WithArgs("agent-sql", "sha256:feed", "cafe", sworn.Format(time.RFC3339Nano),
			sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Put(context.Background(), agent, oath))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAgentStorePutRollsBackOnOathFailure(t *testing.T) {
	store, mock := newMockAgentStore(t)

	now := time.Now().UTC()
	agent := &Agent{ID: "agent-x", PublicKey: "ab", Capabilities: []string{},
		OathStatus: OathSworn, RegisteredAt: now}
	oath := &OathRecord{AgentID: "agent-x", PolicyHash: "sha256:1", Signature: "2", SwornAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO agents`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO oath_records`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.Put(context.Background(), agent, oath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAgentStoreSetStatusUnknown(t *testing.T) {
	store, mock := newMockAgentStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE agents SET oath_status`).
		WithArgs("invalidated", "agent-ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.SetStatus(context.Background(), "agent-ghost", OathInvalidated, time.Now())
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAgentStoreSetStatusStampsOaths(t *testing.T) {
	store, mock := newMockAgentStore(t)

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE agents SET oath_status`).
		WithArgs("invalidated", "agent-y").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE oath_records SET invalidated_at`).
		WithArgs(at.Format(time.RFC3339Nano), "agent-y").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SetStatus(context.Background(), "agent-y", OathInvalidated, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAgentStoreGetUnknown(t *testing.T) {
	store, mock := newMockAgentStore(t)

	mock.ExpectQuery(`FROM agents WHERE agent_id`).
		WithArgs("agent-ghost").
		WillReturnError(sql.ErrNoRows)

	_, _, err := store.Get(context.Background(), "agent-ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestSQLAgentStoreGetRoundTrip(t *testing.T) {
	store, mock := newMockAgentStore(t)

	reg := time.Date(2026, 2, 2, 8, 30, 0, 123456789, time.UTC)
	mock.ExpectQuery(`FROM agents WHERE agent_id`).
		WithArgs("agent-z").
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "public_key", "capabilities", "oath_status",
			"oath_event_id", "runtime_version", "registered_at",
		}).AddRow("agent-z", "aa", `["deploy","review"]`, "sworn",
			int64(7), "1.4.2", reg.Format(time.RFC3339Nano)))
	mock.ExpectQuery(`FROM oath_records WHERE agent_id`).
		WithArgs("agent-z").
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "policy_hash", "signature", "sworn_at", "invalidated_at",
		}).AddRow("agent-z", "sha256:beef", "dead", reg.Format(time.RFC3339Nano), nil))

	agent, oath, err := store.Get(context.Background(), "agent-z")
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "review"}, agent.Capabilities)
	assert.Equal(t, uint64(7), agent.OathEventID)
	assert.Equal(t, "1.4.2", agent.RuntimeVersion)
	assert.True(t, agent.RegisteredAt.Equal(reg))
	require.NotNil(t, oath)
	assert.Equal(t, "sha256:beef", oath.PolicyHash)
	assert.Nil(t, oath.InvalidatedAt)
}

func TestSQLAgentStoreHistoryOrder(t *testing.T) {
	store, mock := newMockAgentStore(t)

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(48 * time.Hour)
	inv := t1.Add(24 * time.Hour)
	mock.ExpectQuery(`ORDER BY sworn_at ASC`).
		WithArgs("agent-h").
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "policy_hash", "signature", "sworn_at", "invalidated_at",
		}).
			AddRow("agent-h", "sha256:old", "s1", t1.Format(time.RFC3339Nano), inv.Format(time.RFC3339Nano)).
			AddRow("agent-h", "sha256:new", "s2", t2.Format(time.RFC3339Nano), nil))

	history, err := store.History(context.Background(), "agent-h")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "sha256:old", history[0].PolicyHash)
	require.NotNil(t, history[0].InvalidatedAt)
	assert.True(t, history[0].InvalidatedAt.Equal(inv))
	assert.Nil(t, history[1].InvalidatedAt)
}
