package extract

import (
	"bytes"
	"fmt"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/sitescribe/sitescribe/internal/crawl"
)

// MarkdownExtractor converts HTML to markdown, preserving headings, lists,
// and link context that plain-text extraction discards.
type MarkdownExtractor struct{}

// Extract implements crawl.Extractor.
func (MarkdownExtractor) Extract(pageURL string, body []byte) (crawl.Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawl.Content{}, fmt.Errorf("parse html: %w", err)
	}

	title := pageTitle(doc)
	links := pageLinks(doc, pageURL)

	// A converter is not shared across goroutines; constructing one per call
	// keeps Extract safe under the crawl engine's worker pool.
	converter := md.NewConverter("", true, nil)
	doc.Find("script, style, noscript").Remove()
	text := converter.Convert(doc.Selection)
	if text == "" {
		text = collapseWhitespace(doc.Text())
	}

	return crawl.Content{Title: title, Text: text, Links: links}, nil
}
