package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/db/migrations"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stores returns every implementation available in this environment
func stores(t *testing.T) map[string]session.Store {
	t.Helper()
	out := map[string]session.Store{
		"sqlite": newSQLiteStore(t),
		"memory": NewMemoryStore(),
	}
	if url := os.Getenv("NEBOCHAT_TEST_POSTGRES_URL"); url != "" {
		pg, err := NewPostgres(context.Background(), url)
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			conv, err := store.Create(ctx, "Trip planning")
			require.NoError(t, err)

			user := session.NewMessage(conv.ID, session.RoleUser, "check https://example.com")
			conv.Append(user)
			require.NoError(t, store.Insert(ctx, user))

			reply := session.NewMessage(conv.ID, session.RoleAssistant, "…")
			reply.Status = session.StatusStreaming
			conv.Append(reply)
			require.NoError(t, store.Insert(ctx, reply))

			// finalize in memory, then flush
			reply.Content = "That is Example Domain."
			reply.Status = session.StatusComplete
			thumb := "https://example.com/a.png"
			reply.Attachment = &session.Attachment{Title: "Example Domain", Thumbnail: thumb}
			conv.Summary = "Looking at example.com."
			require.NoError(t, store.Save(ctx, conv))

			loaded, err := store.Load(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, "Trip planning", loaded.Title)
			assert.Equal(t, "Looking at example.com.", loaded.Summary)
			require.Len(t, loaded.Messages, 2)

			ordered := loaded.Ordered()
			assert.Equal(t, session.RoleUser, ordered[0].Role)
			assert.Equal(t, user.ID, ordered[0].ID)
			assert.Nil(t, ordered[0].Attachment)

			got := ordered[1]
			assert.Equal(t, reply.ID, got.ID)
			assert.Equal(t, conv.ID, got.ConversationID)
			assert.Equal(t, "That is Example Domain.", got.Content)
			assert.Equal(t, session.StatusComplete, got.Status)
			require.NotNil(t, got.Attachment)
			assert.Equal(t, "Example Domain", got.Attachment.Title)
			assert.Equal(t, thumb, got.Attachment.Thumbnail)
			assert.Empty(t, got.Attachment.Description)
			assert.WithinDuration(t, reply.CreatedAt, got.CreatedAt, time.Millisecond)
			assert.False(t, got.CreatedAt.Before(ordered[0].CreatedAt))
		})
	}
}

func TestStoreListAndDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.Create(ctx, "first")
			require.NoError(t, err)
			second, err := store.Create(ctx, "second")
			require.NoError(t, err)

			msg := session.NewMessage(second.ID, session.RoleUser, "hello")
			second.Append(msg)
			require.NoError(t, store.Save(ctx, second))

			infos, err := store.List(ctx)
			require.NoError(t, err)
			byID := make(map[string]session.Info)
			for _, info := range infos {
				byID[info.ID] = info
			}
			require.Contains(t, byID, first.ID)
			require.Contains(t, byID, second.ID)
			assert.Equal(t, 0, byID[first.ID].MessageCount)
			assert.Equal(t, 1, byID[second.ID].MessageCount)

			require.NoError(t, store.Delete(ctx, second))
			_, err = store.Load(ctx, second.ID)
			assert.ErrorIs(t, err, session.ErrNotFound)
			assert.ErrorIs(t, store.Delete(ctx, second), session.ErrNotFound)

			_, err = store.Load(ctx, first.ID)
			assert.NoError(t, err)
		})
	}
}

func TestStoreLoadMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), "not-a-uuid")
			assert.ErrorIs(t, err, session.ErrNotFound)

			_, err = store.Load(context.Background(), session.NewConversation("x").ID)
			assert.ErrorIs(t, err, session.ErrNotFound)
		})
	}
}

func TestInsertIntoUnknownConversation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			msg := session.NewMessage(session.NewConversation("ghost").ID, session.RoleUser, "hi")
			err := store.Insert(context.Background(), msg)
			require.Error(t, err)

			var pe *session.PersistenceError
			assert.True(t, errors.As(err, &pe), "want *session.PersistenceError, got %T", err)
		})
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	conv, err := store.Create(ctx, "t")
	require.NoError(t, err)

	msg := session.NewMessage(conv.ID, session.RoleUser, "original")
	conv.Append(msg)
	require.NoError(t, store.Save(ctx, conv))

	msg.Content = "mutated after save"
	loaded, err := store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", loaded.Messages[0].Content)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	v1, err := migrations.Version(ctx, s1.DB(), migrations.SQLite)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
	v2, err := migrations.Version(ctx, s2.DB(), migrations.SQLite)
	require.NoError(t, err)

	assert.Equal(t, int64(1), v1)
	assert.Equal(t, v1, v2)
}

func TestOpen(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &SQLiteStore{}, store)
	assert.FileExists(t, cfg.DBPath())

	cfg.Storage.Driver = config.DriverMemory
	mem, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	cfg.Storage.Driver = "mongo"
	_, err = Open(context.Background(), cfg)
	assert.Error(t, err)
}
