package extract

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/fetch"
)

type stubFetcher struct {
	resp fetch.Response
	err  error
}

func (s stubFetcher) FetchWithRetry(context.Context, string) (fetch.Response, error) {
	return s.resp, s.err
}

const bylawPage = `<!doctype html>
<html><head><title>Noise Bylaw 2023-45</title><script>var x = 1;</script></head>
<body>
<nav><a href="/">Home</a></nav>
<main>
<h1>Noise Control</h1>
<p>No person shall make <strong>unreasonable noise</strong> after 11 pm.</p>
</main>
<footer>Copyright</footer>
</body></html>`

func newExtractor() *Extractor {
	return New(WithClock(system.NewStepped(time.Unix(1700000000, 0), time.Second)))
}

func TestExtractConvertsHTMLToMarkdown(t *testing.T) {
	t.Parallel()

	fetcher := stubFetcher{resp: fetch.Response{
		URL:        "https://city.example/noise",
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(bylawPage),
	}}
	got, err := newExtractor().Extract(context.Background(), fetcher, 5, crawler.Document{URL: "https://city.example/noise"})
	require.NoError(t, err)

	require.Equal(t, 5, got.TargetID)
	require.Equal(t, "text/html", got.ContentType)
	require.Equal(t, "Noise Bylaw 2023-45", got.Title)
	require.True(t, strings.HasPrefix(got.ContentHash, "sha256:"))
	require.Equal(t, len(bylawPage), got.Bytes)
	require.Contains(t, got.Text, "Noise Control")
	require.Contains(t, got.Text, "**unreasonable noise**")
	require.NotContains(t, got.Text, "var x")
	require.NotContains(t, got.Text, "Copyright")
	require.NotContains(t, got.Text, "Home")
}

func TestExtractKeepsDiscoveredTitle(t *testing.T) {
	t.Parallel()

	got, err := newExtractor().FromBody(1, crawler.Document{URL: "https://city.example/n", Title: "Bylaw 12"},
		http.Header{"Content-Type": {"text/html"}}, []byte(bylawPage))
	require.NoError(t, err)
	require.Equal(t, "Bylaw 12", got.Title)
}

func TestExtractFingerprintsBinaryDocuments(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\n")
	got, err := newExtractor().FromBody(2, crawler.Document{URL: "https://city.example/a.pdf"}, http.Header{}, pdf)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", got.ContentType)
	require.Empty(t, got.Text)
	require.Equal(t, len(pdf), got.Bytes)
	require.NotEmpty(t, got.ContentHash)
}

func TestExtractPlainTextIsTruncatedOnRuneBoundary(t *testing.T) {
	t.Parallel()

	e := New(WithMaxTextBytes(5))
	got, err := e.FromBody(3, crawler.Document{URL: "https://city.example/a.txt"},
		http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, []byte("abcdé rest"))
	require.NoError(t, err)
	require.Equal(t, "abcd", got.Text)
}

func TestExtractWrapsFetchErrors(t *testing.T) {
	t.Parallel()

	fetcher := stubFetcher{err: &crawler.FetchError{URL: "https://city.example/gone.pdf", StatusCode: 404, Attempts: 1, Err: crawler.ErrNotRetryable}}
	_, err := newExtractor().Extract(context.Background(), fetcher, 1, crawler.Document{URL: "https://city.example/gone.pdf"})
	require.ErrorIs(t, err, crawler.ErrNotRetryable)
	require.False(t, errors.Is(err, crawler.ErrTransient))
}

func TestStreamTextCollectsShownStrings(t *testing.T) {
	t.Parallel()

	stream := []byte("BT\n/F1 12 Tf\n72 712 Td\n(By-law 2024-17) Tj\n0 -14 Td\n[(Noise ) -250 (Control)] TJ\nT*\n(Section 4\\(b\\)) Tj\nET\n")
	require.Equal(t, "By-law 2024-17 Noise Control\nSection 4(b)", streamText(stream))
	require.Empty(t, streamText([]byte("q 1 0 0 1 0 0 cm Q")))
}

func TestExtractFallsBackWhenPDFIsUnreadable(t *testing.T) {
	t.Parallel()

	got, err := newExtractor().FromBody(2, crawler.Document{URL: "https://city.example/broken.pdf"},
		http.Header{"Content-Type": []string{"application/pdf"}}, []byte("%PDF-1.4\ntruncated"))
	require.NoError(t, err)
	require.Equal(t, "application/pdf", got.ContentType)
	require.Zero(t, got.Pages)
	require.Empty(t, got.Text)
}
