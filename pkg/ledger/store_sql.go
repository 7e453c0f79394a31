package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists events through database/sql. It works against both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); $N placeholders are
// valid in both dialects. Timestamps are stored as RFC 3339 nanosecond text
// because hash verification re-derives them byte-exactly; a driver's native
// timestamp type would round the precision away.
type SQLStore struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	sequence BIGINT PRIMARY KEY,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	payload TEXT,
	ts TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events(event_type);
`

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("ledger schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, ev *Event) error {
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}

	query := `
		INSERT INTO ledger_events (sequence, event_type, actor, payload, ts, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		int64(ev.Sequence),
		string(ev.Type),
		ev.Actor,
		payload,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.PrevHash,
		ev.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", ev.Sequence, err)
	}
	return nil
}

func (s *SQLStore) Last(ctx context.Context) (*Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, event_type, actor, payload, ts, prev_hash, hash
		FROM ledger_events ORDER BY sequence DESC LIMIT 1
	`)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func (s *SQLStore) Page(ctx context.Context, from uint64, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_type, actor, payload, ts, prev_hash, hash
		FROM ledger_events WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2
	`, int64(from), limit)
	if err != nil {
		return nil, fmt.Errorf("page from %d: %w", from, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("page from %d: %w", from, err)
	}
	return out, nil
}

func (s *SQLStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return uint64(n), nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		seq     int64
		typ     string
		actor   string
		payload sql.NullString
		ts      string
		prev    string
		hash    string
	)
	if err := row.Scan(&seq, &typ, &actor, &payload, &ts, &prev, &hash); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("event %d: bad timestamp %q: %w", seq, ts, err)
	}

	ev := &Event{
		Sequence:  uint64(seq),
		Type:      EventType(typ),
		Actor:     actor,
		Timestamp: parsed,
		PrevHash:  prev,
		Hash:      hash,
	}
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	return ev, nil
}
