// Package history provides SQLite-based persistence for chat sessions and their messages.
// The schema is created on Open when absent. Every write goes straight to the database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/localchat/internal/logger"
)

// GlobalHistoryLimit bounds the cross-session recent history view.
const GlobalHistoryLimit = 100

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_name TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES sessions(id),
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, id);
`

// Store records chat sessions and their ordered messages.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.L.Info("sqlite history DB initialized", "path", path)
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session for modelName and returns it with its assigned ID.
func (s *Store) CreateSession(ctx context.Context, modelName string) (Session, error) {
	if strings.TrimSpace(modelName) == "" {
		return Session{}, fmt.Errorf("%w: model name is required", ErrInvalidArgument)
	}

	sess := Session{ModelName: modelName, CreatedAt: s.now()}
	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (model_name, created_at) VALUES (?, ?);`, sess.ModelName, sess.CreatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	if sess.ID, err = res.LastInsertId(); err != nil {
		return Session{}, fmt.Errorf("session id: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `SELECT id, model_name, created_at FROM sessions WHERE id = ?;`, id).
		Scan(&sess.ID, &sess.ModelName, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("select session %d: %w", id, err)
	}
	return sess, nil
}

// AppendMessage persists a message under sessionID. The insert and the session
// existence check are one statement, so no message is ever stored without its session.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role Role, content string) (Message, error) {
	if role == "" {
		return Message{}, fmt.Errorf("%w: role is required", ErrInvalidArgument)
	}

	msg := Message{SessionID: sessionID, Role: role, Content: content, CreatedAt: s.now()}
	res, err := s.db.ExecContext(ctx, `INSERT INTO messages (session_id, role, content, created_at)
        SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ?);`,
		msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt, sessionID)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if n == 0 {
		return Message{}, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}
	return msg, nil
}

// GetHistory returns every message of sessionID in chronological order. With
// sessionID 0 it returns the GlobalHistoryLimit most recent messages across all
// sessions, newest first.
func (s *Store) GetHistory(ctx context.Context, sessionID int64) ([]Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID != 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT m.role, m.content, m.created_at, s.model_name
            FROM messages m JOIN sessions s ON m.session_id = s.id
            WHERE s.id = ?
            ORDER BY m.id ASC;`, sessionID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT m.role, m.content, m.created_at, s.model_name
            FROM messages m JOIN sessions s ON m.session_id = s.id
            ORDER BY m.id DESC
            LIMIT ?;`, GlobalHistoryLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Role, &e.Content, &e.CreatedAt, &e.ModelName); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// ListSessions returns all sessions, most recently created first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, model_name, created_at FROM sessions ORDER BY id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ModelName, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
