// Package extract converts raw HTML into summarizable text and discovered links.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitescribe/sitescribe/internal/crawl"
)

// New returns the extractor selected by name: "markdown" (the default) keeps
// document structure as markdown, "text" strips everything down to plain text.
func New(name string) (crawl.Extractor, error) {
	switch name {
	case "", "markdown":
		return &MarkdownExtractor{}, nil
	case "text":
		return &TextExtractor{}, nil
	default:
		return nil, fmt.Errorf("unknown extractor %q", name)
	}
}

// TextExtractor produces plain text from the document body.
type TextExtractor struct{}

// Extract implements crawl.Extractor.
func (TextExtractor) Extract(pageURL string, body []byte) (crawl.Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawl.Content{}, fmt.Errorf("parse html: %w", err)
	}

	title := pageTitle(doc)
	links := pageLinks(doc, pageURL)

	doc.Find("script, style, noscript").Remove()
	text := collapseWhitespace(doc.Find("body").Text())
	if text == "" {
		text = collapseWhitespace(doc.Text())
	}

	return crawl.Content{Title: title, Text: text, Links: links}, nil
}

func pageTitle(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// pageLinks returns the document's anchor targets resolved against base,
// keeping only http(s) URLs and dropping within-page duplicates.
func pageLinks(doc *goquery.Document, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		resolved := baseURL.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
