// Package store provides SQLite-backed persistence for daemon sessions
// and worker lifecycle events.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the daemon persistence layer.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	sessionID string
}

// New creates a Store, initializing the database if needed.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
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
	-- One row per daemon run
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ended_at   DATETIME,

		-- Last known worker identity
		worker_pid  INTEGER,
		worker_port INTEGER
	);

	-- Worker lifecycle event log
	CREATE TABLE IF NOT EXISTS worker_events (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		detail     TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,

		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_worker_events_created
		ON worker_events(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Session is one daemon run.
type Session struct {
	ID         string
	StartedAt  time.Time
	EndedAt    *time.Time
	WorkerPID  *int
	WorkerPort *int
}

// WorkerEvent is one persisted lifecycle event.
type WorkerEvent struct {
	ID        string
	SessionID string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// StartSession opens a new daemon session. Events recorded afterwards
// attach to it.
func (s *Store) StartSession() (*Session, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?)`, id, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()

	return &Session{ID: id, StartedAt: now}, nil
}

// EndSession stamps the current session's end time.
func (s *Store) EndSession() error {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	_, err := s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// SetWorker records the current worker identity on the session.
func (s *Store) SetWorker(pid, port int) error {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	_, err := s.db.Exec(`UPDATE sessions SET worker_pid = ?, worker_port = ? WHERE id = ?`, pid, port, id)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, ended_at, worker_pid, worker_port FROM sessions WHERE id = ?`, id)

	var sess Session
	var ended sql.NullTime
	var pid, port sql.NullInt64
	err := row.Scan(&sess.ID, &sess.StartedAt, &ended, &pid, &port)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		sess.EndedAt = &ended.Time
	}
	if pid.Valid {
		v := int(pid.Int64)
		sess.WorkerPID = &v
	}
	if port.Valid {
		v := int(port.Int64)
		sess.WorkerPort = &v
	}
	return &sess, nil
}

// RecordEvent appends a lifecycle event to the current session.
func (s *Store) RecordEvent(kind, detail string) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	_, err := s.db.Exec(
		`INSERT INTO worker_events (id, session_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, kind, detail, time.Now())
	return err
}

// RecentEvents returns the newest events first, across all sessions.
func (s *Store) RecentEvents(limit int) ([]*WorkerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, kind, detail, created_at
		 FROM worker_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*WorkerEvent
	for rows.Next() {
		var e WorkerEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		events = append(events, &e)
	}
	return events, rows.Err()
}

// PruneEvents deletes events older than the retention window.
func (s *Store) PruneEvents(olderThan time.Duration) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM worker_events WHERE created_at < ?`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
