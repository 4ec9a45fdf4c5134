package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Docs", "https://example.com/Docs"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"keeps non-default port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"drops fragment", "https://example.com/a#section-2", "https://example.com/a"},
		{"strips trailing slash", "https://example.com/docs/", "https://example.com/docs"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"sorts query params", "https://example.com/a?z=1&a=2", "https://example.com/a?a=2&z=1"},
		{"trims whitespace", "  https://example.com/a  ", "https://example.com/a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLEquivalence(t *testing.T) {
	a, err := NormalizeURL("HTTP://Example.com:80/docs/?b=2&a=1#top")
	require.NoError(t, err)
	b, err := NormalizeURL("http://example.com/docs?a=1&b=2")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNormalizeURLRejectsBadInput(t *testing.T) {
	for _, in := range []string{
		"ftp://example.com/file",
		"mailto:someone@example.com",
		"not a url at all ://",
		"/relative/path",
		"https://",
	} {
		_, err := NormalizeURL(in)
		assert.Error(t, err, "input %q", in)
	}
}
