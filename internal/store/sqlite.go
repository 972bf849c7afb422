package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no CGO
)

const schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	id          TEXT PRIMARY KEY,
	caller_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	call_type   TEXT NOT NULL CHECK (call_type IN ('audio','video')),
	status      TEXT NOT NULL CHECK (status IN ('ringing','accepted','declined','ended')),
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	accepted_at TIMESTAMP,
	ended_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_ringing
	ON call_sessions (receiver_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_call_sessions_caller
	ON call_sessions (caller_id, created_at);
`

// SQLite is the session store backed by a local SQLite database.
// *sql.DB is a connection pool and safe for concurrent use, so one SQLite
// value can be shared by the engine, the poller and the identity directory.
type SQLite struct {
	DB *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the schema.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log.Printf("[Store] Opened %s", path)
	return &SQLite{DB: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.DB.Close()
}

// Create inserts a new ringing call session.
func (s *SQLite) Create(ctx context.Context, cs *CallSession) error {
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now().UTC()
	}
	if cs.Status == "" {
		cs.Status = StatusRinging
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO call_sessions (id, caller_id, receiver_id, call_type, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.CallerID, cs.ReceiverID, string(cs.CallType), string(cs.Status), cs.Reason, cs.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating call session: %w", err)
	}
	return nil
}

// MarkAccepted moves a ringing session to accepted. The ringing guard in the
// WHERE clause is what makes the transition monotonic: a second accept, or an
// accept after decline/end, matches nothing and returns ErrTerminal.
func (s *SQLite) MarkAccepted(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE call_sessions SET status = ?, accepted_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusAccepted), at.UTC(), id, string(StatusRinging),
	)
	if err != nil {
		return fmt.Errorf("accepting call session: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// MarkDeclined moves a ringing session to declined, recording the original
// reason ("timeout" and "busy" included) even though the status column only
// ever holds the canonical "declined".
func (s *SQLite) MarkDeclined(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE call_sessions SET status = ?, reason = ?, ended_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusDeclined), reason, at.UTC(), id, string(StatusRinging),
	)
	if err != nil {
		return fmt.Errorf("declining call session: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// MarkEnded moves any non-terminal session to ended.
func (s *SQLite) MarkEnded(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE call_sessions SET status = ?, reason = ?, ended_at = ?
		WHERE id = ? AND status != ?`,
		string(StatusEnded), reason, at.UTC(), id, string(StatusEnded),
	)
	if err != nil {
		return fmt.Errorf("ending call session: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// GetByID returns one session by id.
func (s *SQLite) GetByID(ctx context.Context, id string) (*CallSession, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, caller_id, receiver_id, call_type, status, reason, created_at, accepted_at, ended_at
		FROM call_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// LatestRinging returns the most recent ringing session addressed to
// receiverID and created after since. Used by the polling fallback to
// recover calls whose push signal was lost.
func (s *SQLite) LatestRinging(ctx context.Context, receiverID string, since time.Time) (*CallSession, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, caller_id, receiver_id, call_type, status, reason, created_at, accepted_at, ended_at
		FROM call_sessions
		WHERE receiver_id = ? AND status = ? AND created_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		receiverID, string(StatusRinging), since.UTC())
	return scanSession(row)
}

// History returns the newest terminal sessions involving userID, newest first.
func (s *SQLite) History(ctx context.Context, userID string, limit int) ([]*CallSession, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, caller_id, receiver_id, call_type, status, reason, created_at, accepted_at, ended_at
		FROM call_sessions
		WHERE (caller_id = ? OR receiver_id = ?) AND status = ?
		ORDER BY created_at DESC LIMIT ?`,
		userID, userID, string(StatusEnded), limit)
	if err != nil {
		return nil, fmt.Errorf("querying call history: %w", err)
	}
	defer rows.Close()

	var out []*CallSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// checkAffected maps a zero-row update to ErrNotFound or ErrTerminal.
func (s *SQLite) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetByID(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrTerminal
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*CallSession, error) {
	var (
		cs         CallSession
		callType   string
		status     string
		acceptedAt sql.NullTime
		endedAt    sql.NullTime
	)
	err := row.Scan(&cs.ID, &cs.CallerID, &cs.ReceiverID, &callType, &status,
		&cs.Reason, &cs.CreatedAt, &acceptedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call session: %w", err)
	}

	cs.CallType = CallType(callType)
	cs.Status = CallStatus(status)
	if acceptedAt.Valid {
		cs.AcceptedAt = acceptedAt.Time
	}
	if endedAt.Valid {
		cs.EndedAt = endedAt.Time
	}
	return &cs, nil
}
