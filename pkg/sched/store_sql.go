package sched

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLTaskStore persists tasks through database/sql, against Postgres or
// SQLite. Timestamps are RFC3339Nano TEXT so both drivers round-trip them
// byte for byte.
type SQLTaskStore struct {
	db *sql.DB
}

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL DEFAULT '',
	payload TEXT,
	routing_tier TEXT NOT NULL,
	placement_rank TEXT NOT NULL DEFAULT '',
	user_priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	request_id TEXT NOT NULL DEFAULT '',
	parked INTEGER NOT NULL DEFAULT 0,
	seq BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	not_before TEXT,
	claimed_at TEXT,
	started_at TEXT,
	completed_at TEXT,
	lease_expires_at TEXT,
	exec_deadline TEXT,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_tier_status ON tasks(routing_tier, status);
`

func NewSQLTaskStore(db *sql.DB) *SQLTaskStore {
	return &SQLTaskStore{db: db}
}

func (s *SQLTaskStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, taskSchema); err != nil {
		return fmt.Errorf("task schema: %w", err)
	}
	return nil
}

func (s *SQLTaskStore) Insert(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, agent_id, payload, routing_tier, placement_rank,
			user_priority, status, attempt_count, max_retries, request_id, parked, seq,
			created_at, not_before, claimed_at, started_at, completed_at,
			lease_expires_at, exec_deadline, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, task.ID, task.AgentID, nullPayload(task.Payload), string(task.Tier), task.PlacementRank,
		task.UserPriority, string(task.Status), task.AttemptCount, task.MaxRetries,
		task.RequestID, boolInt(task.Parked), int64(task.Seq),
		task.CreatedAt.UTC().Format(time.RFC3339Nano), nullClock(task.NotBefore),
		nullClock(task.ClaimedAt), nullClock(task.StartedAt), nullClock(task.CompletedAt),
		nullClock(task.LeaseExpiresAt), nullClock(task.ExecDeadline), task.LastError)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLTaskStore) Update(ctx context.Context, task *Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET agent_id = $1, status = $2, attempt_count = $3, parked = $4,
			not_before = $5, claimed_at = $6, started_at = $7, completed_at = $8,
			lease_expires_at = $9, exec_deadline = $10, last_error = $11
		WHERE task_id = $12
	`, task.AgentID, string(task.Status), task.AttemptCount, boolInt(task.Parked),
		nullClock(task.NotBefore), nullClock(task.ClaimedAt), nullClock(task.StartedAt),
		nullClock(task.CompletedAt), nullClock(task.LeaseExpiresAt),
		nullClock(task.ExecDeadline), task.LastError, task.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `task_id, agent_id, payload, routing_tier, placement_rank,
	user_priority, status, attempt_count, max_retries, request_id, parked, seq,
	created_at, not_before, claimed_at, started_at, completed_at,
	lease_expires_at, exec_deadline, last_error`

func (s *SQLTaskStore) Get(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *SQLTaskStore) Active(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ($1, $2, $3, $4) ORDER BY seq ASC`,
		string(StatusPending), string(StatusClaimed), string(StatusInProgress), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLTaskStore) Counts(ctx context.Context) (Counts, error) {
	c := Counts{PendingByTier: make(map[Tier]int)}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CLAIMED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'IN_PROGRESS' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'DEAD' THEN 1 ELSE 0 END), 0)
		FROM tasks
	`)
	if err := row.Scan(&c.Pending, &c.Claimed, &c.InProgress, &c.Completed, &c.Failed, &c.Dead); err != nil {
		return c, fmt.Errorf("task counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT routing_tier, COUNT(*) FROM tasks WHERE status = 'PENDING' GROUP BY routing_tier
	`)
	if err != nil {
		return c, fmt.Errorf("tier counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return c, fmt.Errorf("scan tier count: %w", err)
		}
		c.PendingByTier[Tier(tier)] = n
	}
	return c, rows.Err()
}

func (s *SQLTaskStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t         Task
		payload   sql.NullString
		tier      string
		status    string
		parked    int
		seq       int64
		createdAt string
		nullable  [6]sql.NullString
	)
	if err := row.Scan(&t.ID, &t.AgentID, &payload, &tier, &t.PlacementRank,
		&t.UserPriority, &status, &t.AttemptCount, &t.MaxRetries, &t.RequestID,
		&parked, &seq, &createdAt, &nullable[0], &nullable[1], &nullable[2],
		&nullable[3], &nullable[4], &nullable[5], &t.LastError); err != nil {
		return nil, err
	}
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	t.Tier = Tier(tier)
	t.Status = Status(status)
	t.Parked = parked != 0
	t.Seq = uint64(seq)

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("task %s: bad created_at: %w", t.ID, err)
	}
	t.CreatedAt = created

	for i, dst := range []**time.Time{
		&t.NotBefore, &t.ClaimedAt, &t.StartedAt, &t.CompletedAt,
		&t.LeaseExpiresAt, &t.ExecDeadline,
	} {
		parsed, err := parseNullClock(nullable[i])
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		*dst = parsed
	}
	return &t, nil
}

func nullPayload(p []byte) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func nullClock(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullClock(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
