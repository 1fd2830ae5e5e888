package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepositoryContract(t *testing.T) {
	runRepositoryContract(t, newTestSQLite(t))
}

func TestPostgresRepositoryContract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	repo, err := NewPostgres(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	runRepositoryContract(t, repo)
}

func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	id := "sess-" + now.Format("150405.000000")

	t.Run("get missing", func(t *testing.T) {
		_, err := repo.GetSession(ctx, id+"-missing")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	sess := domain.NewSession(id, domain.RoleAnalyst, now)
	require.NoError(t, repo.CreateSession(ctx, sess))

	t.Run("round trip", func(t *testing.T) {
		next := sess.Clone()
		next.Generation = 1
		next.Context["company_name"] = "Acme"
		next.Context["employees"] = 12.0
		next.Validation["company_name"] = domain.Verdict{Valid: true, Message: "ok"}
		next.Agents["market_analyzer"] = domain.AgentState{Status: domain.AgentPending, TriggeredAt: 0}
		require.NoError(t, repo.UpdateSession(ctx, next, 0))

		got, err := repo.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Generation)
		assert.Equal(t, domain.RoleAnalyst, got.Role)
		assert.Equal(t, "Acme", got.Context["company_name"])
		assert.Equal(t, 12.0, got.Context["employees"])
		assert.True(t, got.Validation["company_name"].Valid)
		assert.Equal(t, domain.AgentPending, got.Agents["market_analyzer"].Status)
		assert.True(t, got.CreatedAt.Equal(now))
	})

	t.Run("compare and swap", func(t *testing.T) {
		stale := sess.Clone()
		stale.Generation = 1
		err := repo.UpdateSession(ctx, stale, 0)
		require.ErrorIs(t, err, domain.ErrConflict)

		ghost := domain.NewSession(id+"-ghost", domain.RoleUser, now)
		ghost.Generation = 1
		require.ErrorIs(t, repo.UpdateSession(ctx, ghost, 0), domain.ErrNotFound)
	})

	t.Run("pending sessions", func(t *testing.T) {
		ids, err := repo.ListPendingSessions(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id)
	})

	t.Run("messages", func(t *testing.T) {
		for i, text := range []string{"hello", "reply", "another"} {
			m := &domain.Message{SessionID: id, Sender: domain.SenderUser, Text: text, CreatedAt: now.Add(time.Duration(i) * time.Second)}
			if i == 1 {
				m.Sender = domain.SenderBot
				m.Meta = map[string]any{"intent": "unknown"}
			}
			require.NoError(t, repo.AppendMessage(ctx, m))
			assert.NotZero(t, m.ID)
		}

		msgs, err := repo.ListMessages(ctx, id, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "reply", msgs[0].Text)
		assert.Equal(t, "unknown", msgs[0].Meta["intent"])
		assert.Equal(t, "another", msgs[1].Text)
	})

	t.Run("retention", func(t *testing.T) {
		deleted, err := repo.DeleteSessionsBefore(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Contains(t, deleted, id)
		_, err = repo.GetSession(ctx, id)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}
