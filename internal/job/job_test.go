package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/fetch"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
}

func (f *fakeFetcher) FetchWithRetry(ctx context.Context, rawURL string) (fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return fetch.Response{}, &crawler.FetchError{URL: rawURL, Err: fmt.Errorf("%w: %w", crawler.ErrCancelled, err)}
	}
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.mu.Unlock()
	if err, ok := f.fail[rawURL]; ok {
		return fetch.Response{}, err
	}
	return fetch.Response{URL: rawURL, StatusCode: 200, Body: []byte(rawURL)}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type page struct {
	docs  []string
	links []string
	err   error
}

// siteFinder serves canned discovery results keyed by page URL.
type siteFinder map[string]page

func (s siteFinder) FindDocuments(_ context.Context, _ []byte, pageURL string) ([]crawler.Document, []string, error) {
	p := s[pageURL]
	if p.err != nil {
		return nil, nil, p.err
	}
	docs := make([]crawler.Document, 0, len(p.docs))
	for _, u := range p.docs {
		docs = append(docs, crawler.Document{URL: u})
	}
	return docs, p.links, nil
}

func testTarget() crawler.Target {
	return crawler.Target{ID: 7, Name: "oakville", Active: true, EntryURLs: []string{"https://city.example/"}}
}

func newJob(finder crawler.DocumentFinder, fetcher Fetcher, limits Limits, opts ...Option) *CrawlJob {
	opts = append([]Option{WithClock(system.NewStepped(time.Unix(1700000000, 0), time.Second))}, opts...)
	return New("job-1", testTarget(), finder, fetcher, limits, opts...)
}

func TestRunDeduplicatesDocumentsAcrossPages(t *testing.T) {
	t.Parallel()

	finder := siteFinder{
		"https://city.example/": {
			docs:  []string{"https://city.example/a.pdf", "https://city.example/b.pdf", "https://city.example/a.pdf#p2"},
			links: []string{"/bylaws", "/", "https://city.example/#top"},
		},
		"https://city.example/bylaws": {
			docs:  []string{"https://CITY.example/a.pdf", "https://city.example/c.pdf"},
			links: []string{"/", "/bylaws"},
		},
	}
	fetcher := &fakeFetcher{}
	res := newJob(finder, fetcher, Limits{MaxDepth: 3, MaxPages: 10}).Run(context.Background())

	require.Equal(t, crawler.JobCompleted, res.State)
	require.Equal(t, 2, res.PagesVisited)
	require.Equal(t, []string{"https://city.example/", "https://city.example/bylaws"}, fetcher.Calls())

	seen := make(map[string]struct{})
	for _, d := range res.Documents {
		seen[d.URL] = struct{}{}
		require.NotEmpty(t, d.SourcePage)
		require.NotEmpty(t, d.Filename)
		require.False(t, d.DiscoveredAt.IsZero())
	}
	require.Len(t, seen, len(res.Documents))
	require.Len(t, res.Documents, 3)
	require.Equal(t, "job-1", res.JobID)
	require.Equal(t, 7, res.TargetID)
	require.Positive(t, res.Duration)
}

func TestRunEmptyResultIsCompleted(t *testing.T) {
	t.Parallel()

	res := newJob(siteFinder{}, &fakeFetcher{}, DefaultLimits()).Run(context.Background())
	require.Equal(t, crawler.JobCompleted, res.State)
	require.Empty(t, res.Documents)
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.PagesVisited)
}

func TestRunFailsWhenEntryFetchFails(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{
		"https://city.example/": &crawler.FetchError{URL: "https://city.example/", StatusCode: 503, Attempts: 4, Err: crawler.ErrTransient},
	}}
	res := newJob(siteFinder{}, fetcher, DefaultLimits()).Run(context.Background())
	require.Equal(t, crawler.JobFailed, res.State)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "status 503")
}

func TestRunAccumulatesPageErrorsWithoutFailing(t *testing.T) {
	t.Parallel()

	finder := siteFinder{
		"https://city.example/": {
			docs:  []string{"https://city.example/a.pdf"},
			links: []string{"/broken", "/flaky"},
		},
		"https://city.example/flaky": {err: errors.New("unexpected markup")},
	}
	fetcher := &fakeFetcher{fail: map[string]error{
		"https://city.example/broken": &crawler.FetchError{URL: "https://city.example/broken", StatusCode: 404, Attempts: 1, Err: crawler.ErrNotRetryable},
	}}
	res := newJob(finder, fetcher, DefaultLimits()).Run(context.Background())

	require.Equal(t, crawler.JobCompleted, res.State)
	require.Len(t, res.Documents, 1)
	require.Len(t, res.Errors, 2)
	require.Equal(t, 2, res.PagesVisited)
}

func TestRunFailsOnNonRecoverableFinderError(t *testing.T) {
	t.Parallel()

	finder := siteFinder{
		"https://city.example/": {err: fmt.Errorf("layout changed: %w", crawler.ErrNotRetryable)},
	}
	res := newJob(finder, &fakeFetcher{}, DefaultLimits()).Run(context.Background())
	require.Equal(t, crawler.JobFailed, res.State)
	require.Len(t, res.Errors, 1)
}

func TestRunHonoursDepthAndPageLimits(t *testing.T) {
	t.Parallel()

	chain := siteFinder{
		"https://city.example/":  {links: []string{"/d1"}},
		"https://city.example/d1": {links: []string{"/d2"}},
		"https://city.example/d2": {links: []string{"/d3"}},
	}
	fetcher := &fakeFetcher{}
	res := newJob(chain, fetcher, Limits{MaxDepth: 1, MaxPages: 10}).Run(context.Background())
	require.Equal(t, 2, res.PagesVisited)
	require.Equal(t, []string{"https://city.example/", "https://city.example/d1"}, fetcher.Calls())

	fetcher = &fakeFetcher{}
	res = newJob(chain, fetcher, Limits{MaxDepth: 5, MaxPages: 2}).Run(context.Background())
	require.Equal(t, crawler.JobCompleted, res.State)
	require.Equal(t, 2, res.PagesVisited)
	require.Len(t, fetcher.Calls(), 2)
}

func TestRunCapsPendingFrontier(t *testing.T) {
	t.Parallel()

	links := make([]string, 0, 30)
	for i := range 30 {
		links = append(links, fmt.Sprintf("/p%d", i))
	}
	finder := siteFinder{"https://city.example/": {links: links}}
	fetcher := &fakeFetcher{}
	res := newJob(finder, fetcher, Limits{MaxDepth: 1, MaxPages: 100, MaxPending: 20}).Run(context.Background())

	require.Equal(t, crawler.JobCompleted, res.State)
	require.Equal(t, 21, res.PagesVisited)
}

func TestRunObservesCancellationBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &fakeFetcher{}
	res := newJob(siteFinder{}, fetcher, DefaultLimits()).Run(ctx)
	require.Equal(t, crawler.JobCancelled, res.State)
	require.Empty(t, fetcher.Calls())
}

func TestCancelPendingJobNeverRuns(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	j := newJob(siteFinder{}, fetcher, DefaultLimits())
	res := j.Cancel("batch cancelled")
	require.Equal(t, crawler.JobCancelled, res.State)
	require.Equal(t, []string{"batch cancelled"}, res.Errors)

	res = j.Run(context.Background())
	require.Equal(t, crawler.JobCancelled, res.State)
	require.Empty(t, fetcher.Calls())

	failed := newJob(siteFinder{}, fetcher, DefaultLimits())
	require.Equal(t, crawler.JobFailed, failed.Fail(errors.New("no finder")).State)
	require.Equal(t, crawler.JobFailed, failed.Cancel("late").State)
}

func TestRunEmitsValidProgress(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		stages []progress.Stage
	)
	reporter := progress.ReporterFunc(func(evt progress.Event) {
		require.NoError(t, evt.Validate())
		mu.Lock()
		stages = append(stages, evt.Stage)
		mu.Unlock()
	})
	finder := siteFinder{"https://city.example/": {links: []string{"/next"}}}
	res := newJob(finder, &fakeFetcher{}, DefaultLimits(), WithReporter(reporter), WithBatchID("batch-1")).Run(context.Background())

	require.Equal(t, "batch-1", res.BatchID)
	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StagePage,
		progress.StagePage,
		progress.StageJobDone,
	}, stages)
}

type panicFinder struct{}

func (panicFinder) FindDocuments(context.Context, []byte, string) ([]crawler.Document, []string, error) {
	panic("boom")
}

func TestAbortFailsInterruptedJob(t *testing.T) {
	t.Parallel()

	j := newJob(panicFinder{}, &fakeFetcher{}, DefaultLimits())
	require.Panics(t, func() { j.Run(context.Background()) })
	require.Equal(t, crawler.JobRunning, j.State())

	res := j.Abort(errors.New("panic: boom"))
	require.Equal(t, crawler.JobFailed, res.State)
	require.Equal(t, crawler.JobFailed, j.State())
	require.Equal(t, []string{"panic: boom"}, res.Errors)
	require.False(t, res.FinishedAt.IsZero())

	// A second abort or a rerun keeps the failed result.
	require.Equal(t, res, j.Abort(errors.New("again")))
	require.Equal(t, res, j.Run(context.Background()))

	done := newJob(siteFinder{}, &fakeFetcher{}, DefaultLimits())
	finished := done.Run(context.Background())
	require.Equal(t, finished, done.Abort(errors.New("late")))
	require.Equal(t, crawler.JobCompleted, done.State())
}
