// Package session implements the session store: atomic, generation-versioned
// read-modify-write of session records on top of a Repository.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/ashureev/ingestor-core/internal/shared"
	"github.com/ashureev/ingestor-core/internal/store"
	"github.com/google/uuid"
)

// ErrNoChange may be returned by a MutateFunc to abort without writing.
// Mutate then returns the current snapshot and a nil error.
var ErrNoChange = errors.New("no change")

// MutateFunc edits a private copy of the session. It may run more than once
// when a compare-and-swap is lost, so it must not have side effects beyond s.
type MutateFunc func(s *domain.Session) error

// Store serializes writers per session and versions every commit.
type Store struct {
	repo    store.Repository
	logger  *slog.Logger
	backoff shared.Backoff
	now     func() time.Time

	locks sync.Map // session id -> *sync.Mutex

	completionMu sync.Mutex
	completion   map[string]completionEntry
	steps        []Step
}

// Step names a group of required fields used for completion ratios.
type Step struct {
	Name     string
	Required []string
}

type completionEntry struct {
	generation int64
	ratios     map[string]float64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBackoff overrides the conflict retry schedule.
func WithBackoff(b shared.Backoff) Option {
	return func(s *Store) { s.backoff = b }
}

// WithSteps sets the categories reported by Completion.
func WithSteps(steps []Step) Option {
	return func(s *Store) { s.steps = append([]Step(nil), steps...) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore wraps a repository.
func NewStore(repo store.Repository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		logger: slog.Default(),
		backoff: shared.Backoff{
			MaxAttempts: 8,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    500 * time.Millisecond,
		},
		now:        time.Now,
		completion: make(map[string]completionEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a new session for role and returns its snapshot.
func (s *Store) Create(ctx context.Context, role domain.Role) (*domain.Session, error) {
	if _, err := domain.ParseRole(string(role)); err != nil {
		return nil, err
	}
	sess := domain.NewSession(uuid.Must(uuid.NewV7()).String(), role, s.now().UTC())
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("Session created", "session_id", sess.ID, "role", role)
	return sess, nil
}

// Read returns a snapshot of the session or domain.ErrNotFound.
func (s *Store) Read(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return sess, nil
}

// Mutate applies fn to a consistent snapshot and commits the result with the
// generation bumped by one. Writers within this process are serialized by a
// per-session mutex; writers in other processes are caught by the repository
// compare-and-swap, and lost swaps are retried transparently.
func (s *Store) Mutate(ctx context.Context, id string, fn MutateFunc) (*domain.Session, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	var committed *domain.Session
	err := shared.Retry(ctx, s.backoff, retryableMutation, func(attempt int) error {
		current, err := s.repo.GetSession(ctx, id)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				committed = current
				return nil
			}
			return err
		}

		next.ID = current.ID
		next.Role = current.Role
		next.CreatedAt = current.CreatedAt
		next.Generation = current.Generation + 1
		next.UpdatedAt = s.now().UTC()

		if err := s.repo.UpdateSession(ctx, next, current.Generation); err != nil {
			if attempt > 0 || errors.Is(err, domain.ErrConflict) {
				s.logger.Debug("Session mutation conflict", "session_id", id, "attempt", attempt+1, "error", err)
			}
			return err
		}
		committed = next
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("mutate session %s: %w", id, err)
	}
	return committed.Clone(), nil
}

func retryableMutation(err error) bool {
	return errors.Is(err, domain.ErrConflict) || shared.IsConflictError(err)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Forget drops in-memory bookkeeping for a session removed by retention.
func (s *Store) Forget(id string) {
	s.locks.Delete(id)
	s.completionMu.Lock()
	delete(s.completion, id)
	s.completionMu.Unlock()
}

// AppendMessage records one transcript entry.
func (s *Store) AppendMessage(ctx context.Context, sessionID, sender, text string, meta map[string]any) error {
	m := &domain.Message{
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		Meta:      meta,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.AppendMessage(ctx, m); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns the latest transcript entries for a session.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if _, err := s.Read(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID, limit)
}

// PendingSessions lists sessions with agents left in PENDING.
func (s *Store) PendingSessions(ctx context.Context) ([]string, error) {
	return s.repo.ListPendingSessions(ctx)
}
