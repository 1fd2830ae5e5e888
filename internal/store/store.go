// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// Repository persists one record per session plus its transcript.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession loads a session. Returns domain.ErrNotFound if absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// UpdateSession writes s only if the stored generation equals
	// expectedGeneration (compare-and-swap). Returns domain.ErrConflict when
	// another writer committed first and domain.ErrNotFound if the record is gone.
	UpdateSession(ctx context.Context, s *domain.Session, expectedGeneration int64) error

	// ListPendingSessions returns ids of sessions holding PENDING agents.
	ListPendingSessions(ctx context.Context) ([]string, error)

	// DeleteSessionsBefore removes sessions not updated since cutoff along
	// with their transcript, returning the deleted ids.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// AppendMessage stores a transcript entry and sets its ID.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// ListMessages returns the most recent transcript entries in chronological order.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// sessionRow is the serialized column layout shared by the SQL backends.
type sessionRow struct {
	context    []byte
	validation []byte
	agents     []byte
	pending    int
}

func encodeSession(s *domain.Session) (sessionRow, error) {
	var row sessionRow
	var err error
	if row.context, err = json.Marshal(s.Context); err != nil {
		return row, fmt.Errorf("encode context: %w", err)
	}
	if row.validation, err = json.Marshal(s.Validation); err != nil {
		return row, fmt.Errorf("encode validation state: %w", err)
	}
	if row.agents, err = json.Marshal(s.Agents); err != nil {
		return row, fmt.Errorf("encode agent state: %w", err)
	}
	row.pending = s.PendingCount()
	return row, nil
}

func decodeSession(s *domain.Session, contextJSON, validationJSON, agentsJSON []byte) error {
	s.Context = map[string]any{}
	s.Validation = map[string]domain.Verdict{}
	s.Agents = map[string]domain.AgentState{}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &s.Context); err != nil {
			return fmt.Errorf("decode context: %w", err)
		}
	}
	if len(validationJSON) > 0 {
		if err := json.Unmarshal(validationJSON, &s.Validation); err != nil {
			return fmt.Errorf("decode validation state: %w", err)
		}
	}
	if len(agentsJSON) > 0 {
		if err := json.Unmarshal(agentsJSON, &s.Agents); err != nil {
			return fmt.Errorf("decode agent state: %w", err)
		}
	}
	return nil
}

func encodeMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode message meta: %w", err)
	}
	return data, nil
}

func decodeMeta(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil || len(meta) == 0 {
		return nil
	}
	return meta
}

// Ensure both backends implement Repository.
var (
	_ Repository = (*SQLiteStore)(nil)
	_ Repository = (*PostgresStore)(nil)
)
