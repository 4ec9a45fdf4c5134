// Package fetch implements the page fetcher using the Colly collector.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/sitescribe/sitescribe/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	MaxBodyBytes  int
}

// CollyFetcher implements crawl.Fetcher using the Colly collector.
type CollyFetcher struct {
	cfg  Config
	base *colly.Collector
}

// NewColly builds a CollyFetcher with a pooled HTTP transport.
func NewColly(cfg Config) *CollyFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &CollyFetcher{cfg: cfg, base: c}
}

// Fetch executes a single HTTP GET. Non-2xx responses and transport failures
// both surface as errors; retry decisions belong to the caller.
func (f *CollyFetcher) Fetch(ctx context.Context, rawURL string) (crawl.Page, error) {
	collector := f.base.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}

	var (
		result   crawl.Page
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		result = crawl.Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return crawl.Page{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return crawl.Page{}, fmt.Errorf("visit %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return crawl.Page{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		return result, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
