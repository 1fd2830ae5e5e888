package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Repository on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			role            TEXT NOT NULL CHECK (role IN ('admin', 'user', 'analyst')),
			generation      BIGINT NOT NULL DEFAULT 0,
			context_json    JSONB NOT NULL DEFAULT '{}',
			validation_json JSONB NOT NULL DEFAULT '{}',
			agents_json     JSONB NOT NULL DEFAULT '{}',
			pending_agents  INT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_pending ON sessions(pending_agents) WHERE pending_agents > 0`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          BIGSERIAL PRIMARY KEY,
			session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sender      TEXT NOT NULL,
			text        TEXT NOT NULL,
			meta_json   JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateSession inserts a new session record.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	row, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, role, generation, context_json, validation_json, agents_json,
			pending_agents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, string(sess.Role), sess.Generation,
		string(row.context), string(row.validation), string(row.agents),
		row.pending, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	var role string
	var contextJSON, validationJSON, agentsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, role, generation, context_json, validation_json, agents_json, created_at, updated_at
		FROM sessions WHERE id = $1`, id).Scan(
		&sess.ID, &role, &sess.Generation,
		&contextJSON, &validationJSON, &agentsJSON,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Role = domain.Role(role)
	if err := decodeSession(&sess, contextJSON, validationJSON, agentsJSON); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession writes sess if the stored generation still equals expectedGeneration.
func (s *PostgresStore) UpdateSession(ctx context.Context, sess *domain.Session, expectedGeneration int64) error {
	row, err := encodeSession(sess)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			generation = $1, context_json = $2, validation_json = $3, agents_json = $4,
			pending_agents = $5, updated_at = $6
		WHERE id = $7 AND generation = $8`,
		sess.Generation, string(row.context), string(row.validation), string(row.agents),
		row.pending, sess.UpdatedAt,
		sess.ID, expectedGeneration,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, sess.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check session existence: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

// ListPendingSessions returns ids of sessions holding PENDING agents.
func (s *PostgresStore) ListPendingSessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sessions WHERE pending_agents > 0 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("query pending sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect pending sessions: %w", err)
	}
	return ids, nil
}

// DeleteSessionsBefore removes sessions not updated since cutoff; messages cascade.
func (s *PostgresStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `DELETE FROM sessions WHERE updated_at < $1 RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete expired sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect deleted sessions: %w", err)
	}
	return ids, nil
}

// AppendMessage stores a transcript entry.
func (s *PostgresStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	meta, err := encodeMeta(m.Meta)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (session_id, sender, text, meta_json, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		m.SessionID, m.Sender, m.Text, string(meta), m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit most recent messages, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sender, text, meta_json, created_at FROM (
			SELECT id, session_id, sender, text, meta_json, created_at
			FROM messages WHERE session_id = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Text, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Meta = decodeMeta(meta)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
