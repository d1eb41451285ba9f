package kv_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"taskdesk/internal/db"
	"taskdesk/internal/kv"
	"taskdesk/internal/migrate"
)

func exerciseStore(t *testing.T, s kv.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, "tms_users", []byte(`[{"id":"u-1"}]`)))
	got, err := s.Get(ctx, "tms_users")
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"u-1"}]`, string(got))

	require.NoError(t, s.Set(ctx, "tms_users", []byte(`[]`)))
	got, err = s.Get(ctx, "tms_users")
	require.NoError(t, err)
	require.Equal(t, "[]", string(got))

	require.NoError(t, s.Delete(ctx, "tms_users"))
	_, err = s.Get(ctx, "tms_users")
	require.ErrorIs(t, err, kv.ErrNotFound)

	// deleting an absent key is not an error
	require.NoError(t, s.Delete(ctx, "tms_users"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, kv.NewMemory())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := kv.NewMemory()
	buf := []byte(`"a"`)
	require.NoError(t, s.Set(context.Background(), "k", buf))
	buf[1] = 'b'
	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, `"a"`, string(got))
}

func TestSQLiteStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	s := kv.NewSQLite(conn)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, kv.NewSQLite(conn).Set(ctx, "tms_session", []byte(`{"user_id":"sa-1"}`)))
	require.NoError(t, conn.Close())

	conn, err = db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	s := kv.NewSQLite(conn)
	defer s.Close()
	got, err := s.Get(ctx, "tms_session")
	require.NoError(t, err)
	require.JSONEq(t, `{"user_id":"sa-1"}`, string(got))
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TASKDESK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TASKDESK_TEST_REDIS_URL not set")
	}
	s, err := kv.NewRedis(context.Background(), url, "taskdesk-test:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}
