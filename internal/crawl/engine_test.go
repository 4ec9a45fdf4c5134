package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// siteFetcher serves pages from an in-memory site map and records every
// fetch it sees.
type siteFetcher struct {
	mu      sync.Mutex
	pages   map[string]sitePage
	fetches []string

	inflight    atomic.Int64
	maxInflight atomic.Int64

	failures map[string]int
	delay    time.Duration
}

type sitePage struct {
	title string
	text  string
	links []string
}

func newSiteFetcher(pages map[string]sitePage) *siteFetcher {
	return &siteFetcher{pages: pages, failures: make(map[string]int)}
}

func (f *siteFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		max := f.maxInflight.Load()
		if cur <= max || f.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.fetches = append(f.fetches, rawURL)
	remaining := f.failures[rawURL]
	if remaining > 0 {
		f.failures[rawURL] = remaining - 1
	}
	_, known := f.pages[rawURL]
	f.mu.Unlock()

	if remaining > 0 {
		return Page{}, fmt.Errorf("transient failure for %s", rawURL)
	}
	if !known {
		return Page{}, errors.New("not found")
	}
	return Page{URL: rawURL, FinalURL: rawURL, StatusCode: 200}, nil
}

func (f *siteFetcher) fetchCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.fetches {
		if u == url {
			n++
		}
	}
	return n
}

// siteExtractor resolves content from the fetcher's site map by URL.
type siteExtractor struct {
	pages map[string]sitePage
}

func (e siteExtractor) Extract(pageURL string, _ []byte) (Content, error) {
	p, ok := e.pages[pageURL]
	if !ok {
		return Content{}, errors.New("unknown page")
	}
	return Content{Title: p.title, Text: p.text, Links: p.links}, nil
}

// immediateRetry retries without sleeping so tests stay fast.
type immediateRetry struct{ maxAttempts int }

func (p immediateRetry) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < p.maxAttempts
}

func (p immediateRetry) Backoff(int) time.Duration { return 0 }

func collectDocs(t *testing.T, docs <-chan PageDocument) map[string]PageDocument {
	t.Helper()
	out := make(map[string]PageDocument)
	for doc := range docs {
		_, dup := out[doc.URL]
		require.False(t, dup, "document %s emitted twice", doc.URL)
		out[doc.URL] = doc
	}
	return out
}

func threePageSite() map[string]sitePage {
	return map[string]sitePage{
		"https://example.com/": {
			title: "Home",
			text:  "Welcome home.",
			links: []string{"https://example.com/a", "https://example.com/b"},
		},
		"https://example.com/a": {
			title: "Page A",
			text:  "Content of A.",
			links: []string{"https://example.com/b", "https://example.com/"},
		},
		"https://example.com/b": {
			title: "Page B",
			text:  "Content of B.",
			links: []string{"https://example.com/a"},
		},
	}
}

func TestEngineCrawlsSiteOnce(t *testing.T) {
	pages := threePageSite()
	fetcher := newSiteFetcher(pages)
	engine := NewEngine(Config{MaxDepth: 3, Concurrency: 2}, fetcher, siteExtractor{pages}, immediateRetry{1}, nil)

	docs := collectDocs(t, engine.Run(context.Background(), []string{"https://example.com/"}))

	require.Len(t, docs, 3)
	assert.Equal(t, "Home", docs["https://example.com/"].Title)
	assert.Equal(t, "Page A", docs["https://example.com/a"].Title)
	assert.Equal(t, "Page B", docs["https://example.com/b"].Title)

	// Cross-links and repeated seeds must not trigger refetches.
	for url := range pages {
		assert.Equal(t, 1, fetcher.fetchCount(url), "url %s", url)
	}
	stats := engine.Stats()
	assert.EqualValues(t, 3, stats.Fetched)
	assert.EqualValues(t, 0, stats.Failed)
}

func TestEngineRespectsMaxDepth(t *testing.T) {
	pages := map[string]sitePage{
		"https://example.com/":      {links: []string{"https://example.com/d1"}},
		"https://example.com/d1":    {links: []string{"https://example.com/d2"}},
		"https://example.com/d2":    {links: []string{"https://example.com/d3"}},
		"https://example.com/d3":    {},
		"https://example.com/never": {},
	}
	fetcher := newSiteFetcher(pages)
	engine := NewEngine(Config{MaxDepth: 2, Concurrency: 1}, fetcher, siteExtractor{pages}, immediateRetry{1}, nil)

	docs := collectDocs(t, engine.Run(context.Background(), []string{"https://example.com/"}))

	require.Len(t, docs, 3)
	assert.Contains(t, docs, "https://example.com/d2")
	assert.NotContains(t, docs, "https://example.com/d3")
	assert.Equal(t, 2, docs["https://example.com/d2"].Depth)
}

func TestEngineDepthZeroFetchesOnlySeeds(t *testing.T) {
	pages := threePageSite()
	fetcher := newSiteFetcher(pages)
	engine := NewEngine(Config{MaxDepth: 0, Concurrency: 2}, fetcher, siteExtractor{pages}, immediateRetry{1}, nil)

	docs := collectDocs(t, engine.Run(context.Background(), []string{"https://example.com/"}))

	require.Len(t, docs, 1)
	assert.Contains(t, docs, "https://example.com/")
}

func TestEngineBoundsConcurrency(t *testing.T) {
	pages := make(map[string]sitePage)
	var links []string
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://example.com/p%d", i)
		links = append(links, url)
		pages[url] = sitePage{}
	}
	pages["https://example.com/"] = sitePage{links: links}

	fetcher := newSiteFetcher(pages)
	fetcher.delay = 5 * time.Millisecond
	engine := NewEngine(Config{MaxDepth: 1, Concurrency: 4}, fetcher, siteExtractor{pages}, immediateRetry{1}, nil)

	docs := collectDocs(t, engine.Run(context.Background(), []string{"https://example.com/"}))

	require.Len(t, docs, 21)
	assert.LessOrEqual(t, fetcher.maxInflight.Load(), int64(4))
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	pages := threePageSite()
	fetcher := newSiteFetcher(pages)
	fetcher.failures["https://example.com/a"] = 2
	engine := NewEngine(Config{MaxDepth: 3, Concurrency: 2}, fetcher, siteExtractor{pages}, immediateRetry{3}, nil)

	docs := collectDocs(t, engine.Run(context.Background(), []string{"https://example.com/"}))

	require.Len(t, docs, 3)
	assert.Equal(t, 3, fetcher.fetchCount("https://example.com/a"))
}

func TestEngineSkipsExhaustedURLs(t *testing.T) {
	pages := threePageSite()
	fetcher := newSiteFetcher(pages)
	fetcher.failures["https://example.com/a"] = 100
	engine := NewEngine(Config{MaxDepth: 3, Concurrency: 2}, fetcher, siteExtractor{pages}, immediateRetry{2}, nil)

	docs := collectDocs(t, engine.Run(context.Background(), []string{"https://example.com/"}))

	// The failing page is dropped; the rest of the site still crawls.
	require.Len(t, docs, 2)
	assert.NotContains(t, docs, "https://example.com/a")
	stats := engine.Stats()
	assert.EqualValues(t, 2, stats.Fetched)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestEngineSkipsInvalidSeedsAndLinks(t *testing.T) {
	pages := map[string]sitePage{
		"https://example.com/": {links: []string{"ftp://example.com/file", "mailto:x@example.com"}},
	}
	fetcher := newSiteFetcher(pages)
	engine := NewEngine(Config{MaxDepth: 2, Concurrency: 1}, fetcher, siteExtractor{pages}, immediateRetry{1}, nil)

	docs := collectDocs(t, engine.Run(context.Background(), []string{"not-a-url", "https://example.com/"}))
	require.Len(t, docs, 1)
}

func TestEngineHandlesSeedListLargerThanQueueBuffer(t *testing.T) {
	n := queueBuffer + 500
	pages := make(map[string]sitePage, n)
	seeds := make([]string, 0, n)
	for i := 0; i < n; i++ {
		url := fmt.Sprintf("https://example.com/s%04d", i)
		pages[url] = sitePage{}
		seeds = append(seeds, url)
	}
	fetcher := newSiteFetcher(pages)
	engine := NewEngine(Config{MaxDepth: 0, Concurrency: 8}, fetcher, siteExtractor{pages}, immediateRetry{1}, nil)

	done := make(chan map[string]PageDocument, 1)
	go func() {
		done <- collectDocs(t, engine.Run(context.Background(), seeds))
	}()

	select {
	case docs := <-done:
		assert.Len(t, docs, n)
	case <-time.After(30 * time.Second):
		t.Fatal("crawl did not finish; seeding likely blocked on a full queue")
	}
}

func TestEngineNoSeedsClosesStream(t *testing.T) {
	fetcher := newSiteFetcher(nil)
	engine := NewEngine(Config{MaxDepth: 1, Concurrency: 2}, fetcher, siteExtractor{nil}, immediateRetry{1}, nil)

	select {
	case _, ok := <-engine.Run(context.Background(), nil):
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}
}

func TestEngineStopsOnCancel(t *testing.T) {
	pages := make(map[string]sitePage)
	var links []string
	for i := 0; i < 50; i++ {
		url := fmt.Sprintf("https://example.com/p%d", i)
		links = append(links, url)
		pages[url] = sitePage{}
	}
	pages["https://example.com/"] = sitePage{links: links}

	fetcher := newSiteFetcher(pages)
	fetcher.delay = 10 * time.Millisecond
	engine := NewEngine(Config{MaxDepth: 1, Concurrency: 2}, fetcher, siteExtractor{pages}, immediateRetry{1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	docs := engine.Run(ctx, []string{"https://example.com/"})

	seen := 0
	for range docs {
		seen++
		if seen == 3 {
			cancel()
		}
	}
	assert.Less(t, seen, 51, "cancellation should stop the crawl early")
}
