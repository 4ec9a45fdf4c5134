package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "summarized_urls.db")
}

func TestSQLiteStorePutGet(t *testing.T) {
	store, err := OpenSQLite(sqliteStorePath(t))
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.Get("https://example.com/a")
	assert.False(t, ok)

	require.NoError(t, store.Put(context.Background(), rec("https://example.com/a", "summary a", StatusSuccess)))

	got, ok := store.Get("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "summary a", got.Summary)
}

func TestSQLiteStoreUpsert(t *testing.T) {
	path := sqliteStorePath(t)
	store, err := OpenSQLite(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, rec("https://example.com/a", "", StatusFailed)))
	require.NoError(t, store.Put(ctx, rec("https://example.com/a", "fixed", StatusSuccess)))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "fixed", got.Summary)
	assert.Len(t, reopened.All(), 1)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := sqliteStorePath(t)
	store, err := OpenSQLite(path)
	require.NoError(t, err)

	ctx := context.Background()
	for _, url := range []string{"https://example.com/a", "https://example.com/b"} {
		require.NoError(t, store.Put(ctx, rec(url, "summary", StatusSuccess)))
	}
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Len(t, reopened.All(), 2)
}

func TestSQLiteStoreRejectsEmptyURL(t *testing.T) {
	store, err := OpenSQLite(sqliteStorePath(t))
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Put(context.Background(), Record{Status: StatusSuccess}))
}
