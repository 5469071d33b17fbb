package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var ErrSessionNotFound = errors.New("session not found")

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'authenticated',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        title TEXT,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, created_at);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        session_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at);

    CREATE TABLE IF NOT EXISTS documents (
        id TEXT PRIMARY KEY, -- UUID
        content TEXT NOT NULL,
        metadata_json TEXT NOT NULL DEFAULT '{}',
        embedding_json TEXT, -- JSON array of float32
        effective_from DATETIME,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS query_logs (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        session_id TEXT,
        query TEXT NOT NULL,
        latency_ms INTEGER NOT NULL,
        created_at DATETIME NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// timestamps are stored in UTC so that the TEXT ordering SQLite applies to
// DATETIME columns matches chronological order.
func (s *SQLiteStore) timestamp() time.Time {
	return s.now().UTC()
}

// User methods
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, role, created_at FROM users WHERE external_user_id = ?", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, externalUserID, passwordHash, role string) (*User, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (external_user_id, password_hash, role, created_at) VALUES (?, ?, ?, ?)",
		externalUserID, passwordHash, role, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getUserByID(ctx, id)
}

func (s *SQLiteStore) getUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, role, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Session methods
func (s *SQLiteStore) CreateSession(ctx context.Context, userID int64, title *string) (*Session, error) {
	sessionID := uuid.NewString()
	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO sessions (id, user_id, title, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare session insert: %w", err)
	}
	defer stmt.Close()

	now := s.timestamp()
	if _, err = stmt.ExecContext(ctx, sessionID, userID, title, now); err != nil {
		return nil, fmt.Errorf("failed to execute session insert: %w", err)
	}
	return &Session{ID: sessionID, UserID: userID, Title: title, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string, userID int64) (*Session, error) {
	var session Session
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT id, user_id, title, created_at FROM sessions WHERE id = ? AND user_id = ?", sessionID, userID).
		Scan(&session.ID, &session.UserID, &title, &session.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if title.Valid {
		session.Title = &title.String
	}
	return &session, nil
}

// ListSessions returns the user's sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID int64) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, title, created_at FROM sessions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var session Session
		var title sql.NullString
		if err := rows.Scan(&session.ID, &session.UserID, &title, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if title.Valid {
			session.Title = &title.String
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, sessionID string, userID int64, title string) error {
	stmt, err := s.db.PrepareContext(ctx, "UPDATE sessions SET title = ? WHERE id = ? AND user_id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare session title update: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, title, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to execute session title update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: title not updated", ErrSessionNotFound)
	}
	return nil
}

// DeleteSession removes a session and its messages. The assistant pipeline
// never calls it; it backs the portal's own session management.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ? AND user_id = ?", sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrSessionNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	return tx.Commit()
}

// Message methods

// AppendMessage stores a message at the end of a session. Its timestamp is
// never earlier than the session's latest message, so ListMessages order is
// stable even if the wall clock steps back.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("invalid message role %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM sessions WHERE id = ?", sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	now := s.timestamp()
	var last time.Time
	err = tx.QueryRowContext(ctx, "SELECT created_at FROM messages WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1", sessionID).Scan(&last)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to read last message time: %w", err)
	case now.Before(last):
		now = last.UTC()
	}

	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to execute message insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	query := "SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC"
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LastMessages returns up to n of the session's latest messages, oldest first.
func (s *SQLiteStore) LastMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	query := `
        SELECT id, session_id, role, content, created_at FROM (
            SELECT rowid AS seq, id, session_id, role, content, created_at
            FROM messages
            WHERE session_id = ?
            ORDER BY created_at DESC, rowid DESC
            LIMIT ?
        ) ORDER BY created_at ASC, seq ASC
    `
	rows, err := s.db.QueryContext(ctx, query, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Query log methods
func (s *SQLiteStore) CreateQueryLog(ctx context.Context, userID int64, sessionID *string, query string, latency time.Duration) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, "INSERT INTO query_logs (id, user_id, session_id, query, latency_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, userID, sessionID, query, latency.Milliseconds(), s.timestamp())
	if err != nil {
		return "", fmt.Errorf("failed to insert query log: %w", err)
	}
	return id, nil
}
