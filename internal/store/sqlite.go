package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL plus a busy timeout lets concurrent writers queue instead of failing fast.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		generation INTEGER NOT NULL DEFAULT 0,
		context_json TEXT NOT NULL DEFAULT '{}',
		validation_json TEXT NOT NULL DEFAULT '{}',
		agents_json TEXT NOT NULL DEFAULT '{}',
		pending_agents INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_pending ON sessions(pending_agents) WHERE pending_agents > 0;
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		meta_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	row, err := encodeSession(sess)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO sessions (id, role, generation, context_json, validation_json, agents_json,
		pending_agents, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, string(sess.Role), sess.Generation,
		string(row.context), string(row.validation), string(row.agents),
		row.pending, sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT id, role, generation, context_json, validation_json, agents_json,
		       created_at, updated_at
		FROM sessions WHERE id = ?`

	var sess domain.Session
	var role string
	var contextJSON, validationJSON, agentsJSON string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &role, &sess.Generation,
		&contextJSON, &validationJSON, &agentsJSON,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Role = domain.Role(role)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	if err := decodeSession(&sess, []byte(contextJSON), []byte(validationJSON), []byte(agentsJSON)); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession writes sess if the stored generation still equals expectedGeneration.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session, expectedGeneration int64) error {
	row, err := encodeSession(sess)
	if err != nil {
		return err
	}

	query := `
	UPDATE sessions SET
		generation = ?, context_json = ?, validation_json = ?, agents_json = ?,
		pending_agents = ?, updated_at = ?
	WHERE id = ? AND generation = ?`

	result, err := s.db.ExecContext(ctx, query,
		sess.Generation, string(row.context), string(row.validation), string(row.agents),
		row.pending, sess.UpdatedAt.UnixMilli(),
		sess.ID, expectedGeneration,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check session existence: %w", err)
		}
		slog.Debug("UpdateSession lost compare-and-swap", "session_id", sess.ID, "expected_generation", expectedGeneration)
		return domain.ErrConflict
	}
	return nil
}

// ListPendingSessions returns ids of sessions holding PENDING agents.
func (s *SQLiteStore) ListPendingSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE pending_agents > 0 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("query pending sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close pending sessions rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending sessions: %w", err)
	}
	return ids, nil
}

// DeleteSessionsBefore removes sessions (and their transcript) not updated since cutoff.
func (s *SQLiteStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	threshold := cutoff.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin retention transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < ?)`, threshold); err != nil {
		return nil, fmt.Errorf("delete expired messages: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `DELETE FROM sessions WHERE updated_at < ? RETURNING id`, threshold)
	if err != nil {
		return nil, fmt.Errorf("delete expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan deleted session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate deleted sessions: %w", err)
	}
	_ = rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit retention transaction: %w", err)
	}
	return ids, nil
}

// AppendMessage stores a transcript entry.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	meta, err := encodeMeta(m.Meta)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, text, meta_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.SessionID, m.Sender, m.Text, string(meta), m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get message id: %w", err)
	}
	m.ID = id
	return nil
}

// ListMessages returns up to limit most recent messages, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, session_id, sender, text, meta_json, created_at FROM (
			SELECT id, session_id, sender, text, meta_json, created_at
			FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var meta string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Text, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Meta = decodeMeta([]byte(meta))
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
