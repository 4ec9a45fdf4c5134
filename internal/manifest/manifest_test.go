package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitescribe/sitescribe/internal/checkpoint"
)

func newStore(t *testing.T, records ...checkpoint.Record) checkpoint.Store {
	t.Helper()
	store, err := checkpoint.OpenFile(filepath.Join(t.TempDir(), "cp.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, rec := range records {
		rec.UpdatedAt = time.Now().UTC()
		require.NoError(t, store.Put(context.Background(), rec))
	}
	return store
}

func TestAssembleSortsByURL(t *testing.T) {
	store := newStore(t,
		checkpoint.Record{URL: "https://example.com/zeta", Title: "Zeta", Summary: "Last page.", Status: checkpoint.StatusSuccess},
		checkpoint.Record{URL: "https://example.com/alpha", Title: "Alpha", Summary: "First page.", Status: checkpoint.StatusSuccess},
	)

	want := "[Alpha](https://example.com/alpha): First page.\n\n" +
		"[Zeta](https://example.com/zeta): Last page.\n\n"
	assert.Equal(t, want, string(Assemble(store)))
}

func TestAssembleExcludesFailures(t *testing.T) {
	store := newStore(t,
		checkpoint.Record{URL: "https://example.com/bad", Title: "Bad", Status: checkpoint.StatusFailed, Error: "boom"},
		checkpoint.Record{URL: "https://example.com/good", Title: "Good", Summary: "Fine.", Status: checkpoint.StatusSuccess},
	)

	out := string(Assemble(store))
	assert.Contains(t, out, "https://example.com/good")
	assert.NotContains(t, out, "https://example.com/bad")
}

func TestAssembleIsDeterministic(t *testing.T) {
	store := newStore(t,
		checkpoint.Record{URL: "https://example.com/b", Title: "B", Summary: "b", Status: checkpoint.StatusSuccess},
		checkpoint.Record{URL: "https://example.com/a", Title: "A", Summary: "a", Status: checkpoint.StatusSuccess},
		checkpoint.Record{URL: "https://example.com/c", Title: "C", Summary: "c", Status: checkpoint.StatusSuccess},
	)

	first := Assemble(store)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Assemble(store))
	}
}

func TestFormatEntry(t *testing.T) {
	assert.Equal(t,
		"[Docs](https://example.com/docs): A doc page.\n\n",
		FormatEntry("Docs", "https://example.com/docs", "A doc page."),
	)

	// Multi-line summaries collapse to one line.
	assert.Equal(t,
		"[Docs](https://example.com/docs): line one line two\n\n",
		FormatEntry("Docs", "https://example.com/docs", "line one\nline two"),
	)
}

func TestFormatEntryTitleFallback(t *testing.T) {
	assert.Equal(t,
		"[guide](https://example.com/docs/guide): s\n\n",
		FormatEntry("", "https://example.com/docs/guide", "s"),
	)
	assert.Equal(t,
		"[example.com](https://example.com/): s\n\n",
		FormatEntry("", "https://example.com/", "s"),
	)
}

func TestReadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llms.txt")
	content := "# Docs\n\n" +
		"[Guide](https://example.com/guide): How to get started.\n\n" +
		"not an entry line\n" +
		"[API](https://example.com/api): Endpoint reference.\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Title: "Guide", URL: "https://example.com/guide"}, entries[0])
	assert.Equal(t, Entry{Title: "API", URL: "https://example.com/api"}, entries[1])
}

func TestReadEntriesMissingFile(t *testing.T) {
	_, err := ReadEntries(filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}

func TestUpdateFilePreservesStructure(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "llms.txt")
	content := "# Docs\n\n" +
		"[Zeta](https://example.com/zeta): old zeta summary\n\n" +
		"[Guide](https://example.com/guide): old guide summary\n\n" +
		"[Gone](https://example.com/gone): never refreshed\n"
	require.NoError(t, os.WriteFile(existing, []byte(content), 0o600))

	store := newStore(t,
		checkpoint.Record{URL: "https://example.com/zeta", Title: "Zeta", Summary: "new zeta summary", Status: checkpoint.StatusSuccess},
		checkpoint.Record{URL: "https://example.com/guide", Title: "Guide Updated", Summary: "new guide summary", Status: checkpoint.StatusSuccess},
		checkpoint.Record{URL: "https://example.com/gone", Status: checkpoint.StatusFailed, Error: "boom"},
	)

	out := filepath.Join(dir, "updated.txt")
	require.NoError(t, UpdateFile(store, existing, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	// The header survives, entries keep their original order, and the entry
	// without a fresh success record is untouched.
	want := "# Docs\n\n" +
		"[Zeta](https://example.com/zeta): new zeta summary\n\n" +
		"[Guide Updated](https://example.com/guide): new guide summary\n\n" +
		"[Gone](https://example.com/gone): never refreshed\n"
	assert.Equal(t, want, string(data))
}

func TestUpdateFileMatchesNormalizedURLs(t *testing.T) {
	// Checkpoint records are keyed by normalized URL; the file keeps
	// whatever form it was written with.
	dir := t.TempDir()
	existing := filepath.Join(dir, "llms.txt")
	require.NoError(t, os.WriteFile(existing, []byte("[Home](https://Example.com/docs/): old\n"), 0o600))

	store := newStore(t,
		checkpoint.Record{URL: "https://example.com/docs", Title: "Home", Summary: "fresh", Status: checkpoint.StatusSuccess},
	)

	out := filepath.Join(dir, "updated.txt")
	require.NoError(t, UpdateFile(store, existing, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "[Home](https://Example.com/docs/): fresh\n", string(data))
}

func TestWrite(t *testing.T) {
	store := newStore(t,
		checkpoint.Record{URL: "https://example.com/a", Title: "A", Summary: "a", Status: checkpoint.StatusSuccess},
	)

	path := filepath.Join(t.TempDir(), "out", "llms.txt")
	require.NoError(t, Write(store, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[A](https://example.com/a): a\n\n", string(data))
}
