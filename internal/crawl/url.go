package crawl

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so equivalent addresses compare equal.
// It lowercases the scheme and host, removes default ports and fragments,
// strips a single trailing slash from non-root paths, and re-encodes the
// query with sorted parameters. Two URLs that normalize equal are treated
// as one node by the crawl engine, so this rule is exactly the dedup key.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	// Encode() emits parameters in sorted key order.
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}
