// Package history provides SQLite-backed persistence of past agent
// invocations for inspection and debugging.
package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store records one row per generation attempt.
type Store struct {
	db *sql.DB
}

// New opens the history database, initializing the schema if needed.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		request_id     TEXT PRIMARY KEY,
		project_root   TEXT NOT NULL,
		model          TEXT NOT NULL,
		operation_kind TEXT NOT NULL,
		session_id     TEXT,
		resumed        BOOLEAN DEFAULT FALSE,
		is_error       BOOLEAN DEFAULT FALSE,
		failure_kind   TEXT,
		duration_ms    INTEGER,
		tokens_in      INTEGER,
		tokens_out     INTEGER,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS invocation_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload    TEXT,
		timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP,

		FOREIGN KEY (request_id) REFERENCES invocations(request_id)
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_project ON invocations(project_root, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_request ON invocation_events(request_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Invocation is one recorded generation attempt.
type Invocation struct {
	RequestID     string
	ProjectRoot   string
	Model         string
	OperationKind string
	SessionID     string
	Resumed       bool
	IsError       bool
	FailureKind   string
	DurationMS    int64
	TokensIn      int
	TokensOut     int
	CreatedAt     time.Time
}

// Record inserts an invocation row.
func (s *Store) Record(inv *Invocation) error {
	query := `
		INSERT INTO invocations (
			request_id, project_root, model, operation_kind, session_id,
			resumed, is_error, failure_kind, duration_ms, tokens_in, tokens_out
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		inv.RequestID,
		inv.ProjectRoot,
		inv.Model,
		inv.OperationKind,
		inv.SessionID,
		inv.Resumed,
		inv.IsError,
		inv.FailureKind,
		inv.DurationMS,
		inv.TokensIn,
		inv.TokensOut,
	)
	return err
}

// LogEvent appends an event row for an invocation.
func (s *Store) LogEvent(requestID, eventType, payload string) error {
	_, err := s.db.Exec(
		`INSERT INTO invocation_events (request_id, event_type, payload) VALUES (?, ?, ?)`,
		requestID, eventType, payload,
	)
	return err
}

// Recent returns the latest invocations, newest first. A non-empty
// projectRoot filters to one project.
func (s *Store) Recent(projectRoot string, limit int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT request_id, project_root, model, operation_kind, session_id,
		       resumed, is_error, failure_kind, duration_ms, tokens_in, tokens_out, created_at
		FROM invocations
	`
	args := []any{}
	if projectRoot != "" {
		query += ` WHERE project_root = ?`
		args = append(args, projectRoot)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Invocation
	for rows.Next() {
		var inv Invocation
		var sessionID, failureKind sql.NullString
		if err := rows.Scan(
			&inv.RequestID,
			&inv.ProjectRoot,
			&inv.Model,
			&inv.OperationKind,
			&sessionID,
			&inv.Resumed,
			&inv.IsError,
			&failureKind,
			&inv.DurationMS,
			&inv.TokensIn,
			&inv.TokensOut,
			&inv.CreatedAt,
		); err != nil {
			return nil, err
		}
		inv.SessionID = sessionID.String
		inv.FailureKind = failureKind.String
		out = append(out, &inv)
	}
	return out, rows.Err()
}
