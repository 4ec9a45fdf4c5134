// Package manifest renders the final ordered output document from the
// checkpoint store.
package manifest

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sitescribe/sitescribe/internal/checkpoint"
	"github.com/sitescribe/sitescribe/internal/crawl"
)

// entryPattern matches the "[title](url)" head of a manifest entry line.
var entryPattern = regexp.MustCompile(`\[(.*?)\]\((https?://[^\s)]+)\)`)

// Entry is one "[title](url)" reference parsed from an existing manifest.
type Entry struct {
	Title string
	URL   string
}

// Assemble renders every success record as a manifest entry, sorted by URL.
// Given identical checkpoint contents it always produces identical bytes.
func Assemble(store checkpoint.Store) []byte {
	records := store.All()
	sort.Slice(records, func(i, j int) bool { return records[i].URL < records[j].URL })

	var buf bytes.Buffer
	for _, rec := range records {
		if rec.Status != checkpoint.StatusSuccess {
			continue
		}
		buf.WriteString(FormatEntry(rec.Title, rec.URL, rec.Summary))
	}
	return buf.Bytes()
}

// Write assembles the manifest and writes it to path.
func Write(store checkpoint.Store, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	if err := os.WriteFile(path, Assemble(store), 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadEntries extracts every "[title](url)" entry from a previously written
// manifest, in file order. Lines without an entry are ignored, so headers and
// prose survive a round trip through UpdateFile untouched.
func ReadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if m := entryPattern.FindStringSubmatch(line); m != nil {
			entries = append(entries, Entry{Title: m[1], URL: m[2]})
		}
	}
	return entries, nil
}

// UpdateFile rewrites the manifest at existingPath into outPath, preserving
// its line order and every non-entry line. An entry line whose URL has a
// success record is replaced with a freshly rendered entry; entries without
// one are kept verbatim. Checkpoint records are keyed by normalized URL, so
// lookups fall back to the normalized form of the entry's URL.
func UpdateFile(store checkpoint.Store, existingPath, outPath string) error {
	data, err := os.ReadFile(existingPath)
	if err != nil {
		return fmt.Errorf("read existing manifest: %w", err)
	}

	byURL := make(map[string]checkpoint.Record)
	for _, rec := range store.All() {
		if rec.Status == checkpoint.StatusSuccess {
			byURL[rec.URL] = rec
		}
	}
	lookup := func(rawURL string) (checkpoint.Record, bool) {
		if rec, ok := byURL[rawURL]; ok {
			return rec, true
		}
		if norm, err := crawl.NormalizeURL(rawURL); err == nil {
			rec, ok := byURL[norm]
			return rec, ok
		}
		return checkpoint.Record{}, false
	}

	var buf bytes.Buffer
	for _, line := range strings.SplitAfter(string(data), "\n") {
		m := entryPattern.FindStringSubmatch(line)
		if m == nil {
			buf.WriteString(line)
			continue
		}
		rec, ok := lookup(m[2])
		if !ok {
			buf.WriteString(line)
			continue
		}
		title := rec.Title
		if title == "" {
			title = m[1]
		}
		buf.WriteString(strings.TrimSpace(FormatEntry(title, m[2], rec.Summary)))
		if strings.HasSuffix(line, "\n") {
			buf.WriteString("\n")
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// FormatEntry renders one manifest entry: "[title](url): summary" followed by
// a blank line. The summary is collapsed to a single line; an empty title
// falls back to the last URL path segment.
func FormatEntry(title, rawURL, summary string) string {
	if title == "" {
		title = fallbackTitle(rawURL)
	}
	return fmt.Sprintf("[%s](%s): %s\n\n", title, rawURL, Collapse(summary))
}

// Collapse flattens all whitespace runs, including newlines, to single spaces.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fallbackTitle(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		if err == nil && u.Host != "" {
			return u.Host
		}
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	return segments[len(segments)-1]
}
