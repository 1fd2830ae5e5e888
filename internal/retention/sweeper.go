// Package retention deletes sessions that have been idle longer than a
// configured period. It is opt-in; sessions are kept forever by default.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is how often the sweeper runs when none is configured.
const DefaultInterval = 5 * time.Minute

// Repository deletes idle sessions and reports their ids.
type Repository interface {
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// CleanupCallback is called for every session removed by a sweep.
type CleanupCallback func(sessionID string)

// Sweeper periodically removes sessions not updated within TTL.
type Sweeper struct {
	repo      Repository
	ttl       time.Duration
	interval  time.Duration
	onCleanup []CleanupCallback
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. Callbacks run in order for each deleted id.
func NewSweeper(repo Repository, ttl, interval time.Duration, logger *slog.Logger, onCleanup ...CleanupCallback) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		repo:      repo,
		ttl:       ttl,
		interval:  interval,
		onCleanup: onCleanup,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Retention sweeper started", "interval", s.interval, "ttl", s.ttl)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("Retention sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes expired sessions once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl)
	ids, err := s.repo.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention sweep failed", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	for _, id := range ids {
		for _, cb := range s.onCleanup {
			cb(id)
		}
	}
	s.logger.Info("Retention sweep completed", "deleted", len(ids), "cutoff", cutoff)
	return len(ids)
}
