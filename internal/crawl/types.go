// Package crawl implements the bounded-concurrency crawl engine that turns
// seed URLs into a stream of extracted page documents.
package crawl

import "context"

// Task is a single unit of crawl work: a URL and the depth it was found at.
type Task struct {
	URL   string
	Depth int
}

// Page is the raw result of fetching a single URL.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
}

// Content is the extracted form of a fetched page.
type Content struct {
	Title string
	Text  string
	Links []string
}

// PageDocument is a fully fetched and extracted page, ready for summarization.
type PageDocument struct {
	URL   string
	Depth int
	Title string
	Text  string
	Links []string
}

// Fetcher retrieves the raw HTML for a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Extractor turns raw HTML into text, a title, and discovered links.
// Links must be absolute, resolved against the page URL.
type Extractor interface {
	Extract(pageURL string, body []byte) (Content, error)
}
