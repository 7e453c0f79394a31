package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLAgentStore persists agents and oath records through database/sql,
// against Postgres or SQLite.
type SQLAgentStore struct {
	db *sql.DB
}

const agentSchema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	capabilities TEXT NOT NULL,
	oath_status TEXT NOT NULL,
	oath_event_id BIGINT NOT NULL,
	runtime_version TEXT,
	registered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS oath_records (
	agent_id TEXT NOT NULL,
	policy_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	sworn_at TEXT NOT NULL,
	invalidated_at TEXT,
	PRIMARY KEY (agent_id, sworn_at)
);

CREATE INDEX IF NOT EXISTS idx_oath_records_agent ON oath_records(agent_id);
`

func NewSQLAgentStore(db *sql.DB) *SQLAgentStore {
	return &SQLAgentStore{db: db}
}

func (s *SQLAgentStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, agentSchema); err != nil {
		return fmt.Errorf("agent schema: %w", err)
	}
	return nil
}

func (s *SQLAgentStore) Get(ctx context.Context, agentID string) (*Agent, *OathRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, public_key, capabilities, oath_status, oath_event_id, runtime_version, registered_at
		FROM agents WHERE agent_id = $1
	`, agentID)

	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, nil, err
	}

	oathRow := s.db.QueryRowContext(ctx, `
		SELECT agent_id, policy_hash, signature, sworn_at, invalidated_at
		FROM oath_records WHERE agent_id = $1 ORDER BY sworn_at DESC LIMIT 1
	`, agentID)
	oath, err := scanOath(oathRow)
	if errors.Is(err, sql.ErrNoRows) {
		return agent, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return agent, oath, nil
}

func (s *SQLAgentStore) Put(ctx context.Context, agent *Agent, oath *OathRecord) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (agent_id, public_key, capabilities, oath_status, oath_event_id, runtime_version, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE
		SET public_key = $2, capabilities = $3, oath_status = $4, oath_event_id = $5, runtime_version = $6, registered_at = $7
	`, agent.ID, agent.PublicKey, string(caps), string(agent.OathStatus),
		int64(agent.OathEventID), agent.RuntimeVersion,
		agent.RegisteredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agent.ID, err)
	}

	if oath != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO oath_records (agent_id, policy_hash, signature, sworn_at, invalidated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, oath.AgentID, oath.PolicyHash, oath.Signature,
			oath.SwornAt.UTC().Format(time.RFC3339Nano), nullTime(oath.InvalidatedAt))
		if err != nil {
			return fmt.Errorf("insert oath for %s: %w", oath.AgentID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLAgentStore) SetStatus(ctx context.Context, agentID string, status OathStatus, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE agents SET oath_status = $1 WHERE agent_id = $2`,
		string(status), agentID)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownAgent
	}

	if status == OathInvalidated {
		_, err = tx.ExecContext(ctx, `
			UPDATE oath_records SET invalidated_at = $1
			WHERE agent_id = $2 AND invalidated_at IS NULL
		`, at.UTC().Format(time.RFC3339Nano), agentID)
		if err != nil {
			return fmt.Errorf("invalidate oaths for %s: %w", agentID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLAgentStore) History(ctx context.Context, agentID string) ([]*OathRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, policy_hash, signature, sworn_at, invalidated_at
		FROM oath_records WHERE agent_id = $1 ORDER BY sworn_at ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("oath history for %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OathRecord
	for rows.Next() {
		oath, err := scanOath(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, oath)
	}
	return out, rows.Err()
}

func (s *SQLAgentStore) List(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, public_key, capabilities, oath_status, oath_event_id, runtime_version, registered_at
		FROM agents ORDER BY agent_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *SQLAgentStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a       Agent
		caps    string
		status  string
		eventID int64
		runtime sql.NullString
		regAt   string
	)
	if err := row.Scan(&a.ID, &a.PublicKey, &caps, &status, &eventID, &runtime, &regAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("agent %s: bad capabilities: %w", a.ID, err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, regAt)
	if err != nil {
		return nil, fmt.Errorf("agent %s: bad registered_at: %w", a.ID, err)
	}
	a.OathStatus = OathStatus(status)
	a.OathEventID = uint64(eventID)
	a.RuntimeVersion = runtime.String
	a.RegisteredAt = parsed
	return &a, nil
}

func scanOath(row rowScanner) (*OathRecord, error) {
	var (
		o           OathRecord
		swornAt     string
		invalidated sql.NullString
	)
	if err := row.Scan(&o.AgentID, &o.PolicyHash, &o.Signature, &swornAt, &invalidated); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, swornAt)
	if err != nil {
		return nil, fmt.Errorf("oath for %s: bad sworn_at: %w", o.AgentID, err)
	}
	o.SwornAt = parsed
	if invalidated.Valid {
		t, err := time.Parse(time.RFC3339Nano, invalidated.String)
		if err != nil {
			return nil, fmt.Errorf("oath for %s: bad invalidated_at: %w", o.AgentID, err)
		}
		o.InvalidatedAt = &t
	}
	return &o, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
