package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"HTTP://Example.COM:80/Bylaws?b=2&a=1#top", "http://example.com/Bylaws?a=1&b=2"},
		{"https://example.com:443/docs", "https://example.com/docs"},
		{"https://example.com:8443/docs", "https://example.com:8443/docs"},
		{"https://example.com/plain", "https://example.com/plain"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("https://city.example/bylaws/index.html", "../files/zoning.pdf#page=2")
	require.NoError(t, err)
	require.Equal(t, "https://city.example/files/zoning.pdf", got)

	got, err = ResolveURL("https://city.example/bylaws/", "//CDN.city.example/a.pdf")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.city.example/a.pdf", got)

	for _, ref := range []string{"", "#section", "mailto:clerk@city.example", "javascript:void(0)"} {
		_, err := ResolveURL("https://city.example/", ref)
		require.Error(t, err, ref)
	}
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	require.True(t, SameHost("https://City.example/a", "http://city.example:8080/b"))
	require.False(t, SameHost("https://city.example/a", "https://other.example/a"))
	require.False(t, SameHost("/relative", "/relative"))
}

func TestFilenameFromURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Noise Bylaw.pdf", FilenameFromURL("https://city.example/docs/Noise%20Bylaw.pdf"))
	require.Equal(t, "city.example", FilenameFromURL("https://city.example/"))
}
