package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "checkpoints", "summarized_urls.jsonl")
}

func rec(url, summary string, status Status) Record {
	return Record{
		URL:       url,
		Title:     "Title of " + url,
		Summary:   summary,
		Status:    status,
		Attempts:  1,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestFileStorePutGet(t *testing.T) {
	store, err := OpenFile(fileStorePath(t))
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.Get("https://example.com/a")
	assert.False(t, ok)

	require.NoError(t, store.Put(context.Background(), rec("https://example.com/a", "summary a", StatusSuccess)))

	got, ok := store.Get("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "summary a", got.Summary)
	assert.Equal(t, StatusSuccess, got.Status)
}

func TestFileStoreUpsertLastWins(t *testing.T) {
	path := fileStorePath(t)
	store, err := OpenFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, rec("https://example.com/a", "", StatusFailed)))
	require.NoError(t, store.Put(ctx, rec("https://example.com/a", "second try worked", StatusSuccess)))
	require.NoError(t, store.Close())

	// Reload: the log holds both lines, the later one wins.
	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "second try worked", got.Summary)
	assert.Len(t, reopened.All(), 1)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := fileStorePath(t)
	store, err := OpenFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	for _, url := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		require.NoError(t, store.Put(ctx, rec(url, "summary", StatusSuccess)))
	}
	require.NoError(t, store.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Len(t, reopened.All(), 3)
}

func TestFileStoreToleratesTornLine(t *testing.T) {
	path := fileStorePath(t)
	store, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), rec("https://example.com/a", "ok", StatusSuccess)))
	require.NoError(t, store.Close())

	// Simulate a crash mid-append: a truncated JSON line at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"url":"https://example.com/b","stat`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, ok := reopened.Get("https://example.com/a")
	assert.True(t, ok)
	_, ok = reopened.Get("https://example.com/b")
	assert.False(t, ok, "torn record must not surface")
}

func TestFileStoreRejectsEmptyURL(t *testing.T) {
	store, err := OpenFile(fileStorePath(t))
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Put(context.Background(), Record{Status: StatusSuccess}))
}

func TestFileStorePutAfterClose(t *testing.T) {
	store, err := OpenFile(fileStorePath(t))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.Error(t, store.Put(context.Background(), rec("https://example.com/a", "x", StatusSuccess)))
}
