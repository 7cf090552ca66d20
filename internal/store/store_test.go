// ABOUTME: Contract tests run against every Store implementation
// ABOUTME: SQLite runs in a temp dir; Redis runs only when COVEN_RPC_TEST_REDIS is set

package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	out := map[string]Store{"memory": NewMemoryStore()}

	sqlStore, err := NewSQLStore(ctx, "sqlite", filepath.Join(t.TempDir(), "nested", "contexts.db"))
	require.NoError(t, err)
	out["sqlite"] = sqlStore

	if addr := os.Getenv("COVEN_RPC_TEST_REDIS"); addr != "" {
		redisStore, err := NewRedisStore(ctx, RedisOptions{Addr: addr, Prefix: "coven-rpc-test:" + t.Name() + ":"})
		require.NoError(t, err)
		out["redis"] = redisStore
	}

	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "agent-1")
			assert.ErrorIs(t, err, ErrNotFound)

			exists, err := s.Exists(ctx, "agent-1")
			require.NoError(t, err)
			assert.False(t, exists)

			st, err := s.Create(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, "agent-1", st.AgentID())
			assert.Equal(t, "", st.AgentType())

			_, err = s.Create(ctx, "agent-1")
			assert.ErrorIs(t, err, ErrExists)

			exists, err = s.Exists(ctx, "agent-1")
			require.NoError(t, err)
			assert.True(t, exists)

			st.SetAgentType("calc")
			require.NoError(t, st.Put("count", 3))
			require.NoError(t, st.Put("name", "ada"))
			require.NoError(t, st.Destroy(ctx))

			loaded, err := s.Get(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, "calc", loaded.AgentType())
			assert.Equal(t, []string{"count", "name"}, loaded.Keys())

			var count int
			found, err := Load(loaded, "count", &count)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, 3, count)

			ids, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"agent-1"}, ids)

			require.NoError(t, s.Delete(ctx, "agent-1"))
			assert.ErrorIs(t, s.Delete(ctx, "agent-1"), ErrNotFound)

			// A flush after delete must not resurrect the context.
			require.NoError(t, loaded.Put("count", 4))
			assert.ErrorIs(t, loaded.Flush(ctx), ErrNotFound)
			exists, err = s.Exists(ctx, "agent-1")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStore_StateIsolation(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			st, err := s.Create(ctx, "iso")
			require.NoError(t, err)
			require.NoError(t, st.Put("k", "v1"))

			// Unflushed writes are invisible to other loads.
			other, err := s.Get(ctx, "iso")
			require.NoError(t, err)
			_, ok := other.Get("k")
			assert.False(t, ok)

			require.NoError(t, st.Flush(ctx))
			require.NoError(t, other.Init(ctx))
			raw, ok := other.Get("k")
			require.True(t, ok)
			assert.JSONEq(t, `"v1"`, string(raw))

			other.Delete("k")
			require.NoError(t, other.Destroy(ctx))

			fresh, err := s.Get(ctx, "iso")
			require.NoError(t, err)
			assert.Empty(t, fresh.Keys())
		})
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			st, err := s.Create(ctx, "busy")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, st.Put(string(rune('a'+i)), i))
					assert.NoError(t, st.Flush(ctx))
				}(i)
			}
			wg.Wait()

			loaded, err := s.Get(ctx, "busy")
			require.NoError(t, err)
			assert.Len(t, loaded.Keys(), 20)
		})
	}
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	s.Close()

	_, err = Open(ctx, Config{Driver: "cassandra"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestNewSQLStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLStore(context.Background(), "sqlite", dbPath)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}
