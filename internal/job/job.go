// Package job implements CrawlJob: one target crawled over a bounded FIFO
// frontier, producing a deduplicated document set.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/fetch"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/metrics"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

// Fetcher is the slice of fetch.Fetcher a job needs.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, rawURL string) (fetch.Response, error)
}

// Limits bounds a job's frontier.
type Limits struct {
	MaxDepth   int
	MaxPages   int
	MaxPending int
}

// DefaultLimits returns the stock frontier bounds.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 2, MaxPages: 50, MaxPending: 20}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDepth < 0 {
		l.MaxDepth = 0
	}
	if l.MaxPages <= 0 {
		l.MaxPages = d.MaxPages
	}
	if l.MaxPending <= 0 {
		l.MaxPending = d.MaxPending
	}
	return l
}

// Option customises a CrawlJob.
type Option func(*CrawlJob)

// WithBatchID tags the job's events and result with its batch.
func WithBatchID(id string) Option {
	return func(j *CrawlJob) { j.batchID = id }
}

// WithReporter sets the progress reporter.
func WithReporter(r progress.Reporter) Option {
	return func(j *CrawlJob) {
		if r != nil {
			j.reporter = r
		}
	}
}

// WithClock overrides the clock.
func WithClock(c crawler.Clock) Option {
	return func(j *CrawlJob) {
		if c != nil {
			j.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(j *CrawlJob) {
		if logger != nil {
			j.logger = logger
		}
	}
}

type frontierItem struct {
	url   string
	depth int
}

// CrawlJob is owned by the goroutine that runs it. Nothing on it is safe for
// concurrent use except State.
type CrawlJob struct {
	ID     string
	Target crawler.Target

	batchID  string
	finder   crawler.DocumentFinder
	fetcher  Fetcher
	limits   Limits
	reporter progress.Reporter
	clock    crawler.Clock
	logger   *zap.Logger

	state      stateBox
	frontier   []frontierItem
	queued     map[string]struct{}
	visited    map[string]struct{}
	docSeen    map[string]struct{}
	documents  []crawler.Document
	errs       []string
	pages      int
	dropped    int
	startedAt  time.Time
	finishedAt time.Time
}

// New creates a Pending job.
func New(
	id string,
	target crawler.Target,
	finder crawler.DocumentFinder,
	fetcher Fetcher,
	limits Limits,
	opts ...Option,
) *CrawlJob {
	j := &CrawlJob{
		ID:       id,
		Target:   target,
		finder:   finder,
		fetcher:  fetcher,
		limits:   limits.withDefaults(),
		reporter: progress.Nop{},
		clock:    system.New(),
		logger:   zap.NewNop(),
		queued:   make(map[string]struct{}),
		visited:  make(map[string]struct{}),
		docSeen:  make(map[string]struct{}),
	}
	j.state.set(crawler.JobPending)
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With(zap.String("job_id", id), zap.Int("target_id", target.ID))
	return j
}

// State returns the current lifecycle state.
func (j *CrawlJob) State() crawler.JobState {
	return j.state.get()
}

// Cancel moves a Pending job straight to Cancelled without running it.
func (j *CrawlJob) Cancel(reason string) crawler.JobResult {
	if !j.state.transition(crawler.JobPending, crawler.JobCancelled) {
		return j.result()
	}
	now := j.clock.Now()
	j.startedAt, j.finishedAt = now, now
	if reason != "" {
		j.errs = append(j.errs, reason)
	}
	metrics.ObserveJob(string(crawler.JobCancelled))
	return j.result()
}

// Fail moves a Pending job straight to Failed, used when the job cannot
// even be assembled.
func (j *CrawlJob) Fail(err error) crawler.JobResult {
	if !j.state.transition(crawler.JobPending, crawler.JobFailed) {
		return j.result()
	}
	now := j.clock.Now()
	j.startedAt, j.finishedAt = now, now
	j.errs = append(j.errs, err.Error())
	metrics.ObserveJob(string(crawler.JobFailed))
	return j.result()
}

// Abort fails a job whose Run was interrupted by a panic. Jobs in any other
// state keep their result.
func (j *CrawlJob) Abort(err error) crawler.JobResult {
	if !j.state.transition(crawler.JobRunning, crawler.JobFailed) {
		return j.result()
	}
	j.finishedAt = j.clock.Now()
	j.errs = append(j.errs, err.Error())
	metrics.ObserveJob(string(crawler.JobFailed))
	return j.result()
}

// Run crawls the target. It never returns an error: failures are reported
// through the result's state and error list. Running a job twice returns
// the first result.
func (j *CrawlJob) Run(ctx context.Context) crawler.JobResult {
	if !j.state.transition(crawler.JobPending, crawler.JobRunning) {
		return j.result()
	}
	j.startedAt = j.clock.Now()
	j.emit(progress.StageJobStart, "started")
	j.logger.Info("crawl job started", zap.String("target", j.Target.Name))

	final := j.crawl(ctx)

	j.state.set(final)
	j.finishedAt = j.clock.Now()
	metrics.ObserveJob(string(final))
	res := j.result()
	fields := []zap.Field{
		zap.String("state", string(final)),
		zap.Int("documents", len(j.documents)),
		zap.Int("pages", j.pages),
		zap.Int("errors", len(j.errs)),
		zap.Duration("duration", res.Duration),
	}
	if final == crawler.JobCompleted {
		j.emit(progress.StageJobDone, fmt.Sprintf("%d documents from %d pages", len(j.documents), j.pages))
		j.logger.Info("crawl job finished", fields...)
	} else {
		j.emit(progress.StageJobError, string(final))
		j.logger.Warn("crawl job finished", fields...)
	}
	return res
}

func (j *CrawlJob) crawl(ctx context.Context) crawler.JobState {
	if j.finder == nil || j.fetcher == nil {
		j.errs = append(j.errs, fmt.Sprintf("target %d: job has no finder or fetcher", j.Target.ID))
		return crawler.JobFailed
	}
	for _, raw := range j.Target.EntryURLs {
		norm, err := crawler.NormalizeURL(raw)
		if err != nil {
			j.errs = append(j.errs, fmt.Sprintf("entry %s: %v", raw, err))
			continue
		}
		j.enqueue(norm, 0)
	}
	if len(j.frontier) == 0 {
		j.errs = append(j.errs, fmt.Sprintf("target %d: no valid entry urls", j.Target.ID))
		return crawler.JobFailed
	}

	entryOK := false
	for len(j.frontier) > 0 {
		if ctx.Err() != nil {
			return crawler.JobCancelled
		}
		if j.pages >= j.limits.MaxPages {
			j.logger.Debug("page budget exhausted", zap.Int("remaining", len(j.frontier)))
			break
		}
		item := j.frontier[0]
		j.frontier = j.frontier[1:]
		delete(j.queued, item.url)
		if _, seen := j.visited[item.url]; seen {
			continue
		}
		if item.depth > j.limits.MaxDepth {
			continue
		}
		j.visited[item.url] = struct{}{}

		resp, err := j.fetcher.FetchWithRetry(ctx, item.url)
		if err != nil {
			if errors.Is(err, crawler.ErrCancelled) {
				return crawler.JobCancelled
			}
			j.errs = append(j.errs, err.Error())
			j.logger.Warn("page fetch failed", zap.String("url", item.url), zap.Int("depth", item.depth), zap.Error(err))
			continue
		}
		j.pages++
		if item.depth == 0 {
			entryOK = true
		}
		pageURL := item.url
		if resp.URL != "" && resp.URL != item.url {
			if final, err := crawler.NormalizeURL(resp.URL); err == nil {
				pageURL = final
				j.visited[final] = struct{}{}
			}
		}

		// The page is already fetched; let discovery finish even if the
		// batch was cancelled meanwhile.
		docs, links, err := j.finder.FindDocuments(context.WithoutCancel(ctx), resp.Body, pageURL)
		if err != nil {
			j.errs = append(j.errs, fmt.Sprintf("find documents %s: %v", item.url, err))
			if errors.Is(err, crawler.ErrNotRetryable) {
				return crawler.JobFailed
			}
			continue
		}
		added := j.addDocuments(docs, pageURL)
		for _, link := range links {
			j.propose(pageURL, link, item.depth+1)
		}
		j.emitPage(item, added)
	}

	if !entryOK {
		return crawler.JobFailed
	}
	if j.dropped > 0 {
		j.logger.Debug("frontier cap dropped links", zap.Int("dropped", j.dropped))
	}
	return crawler.JobCompleted
}

func (j *CrawlJob) addDocuments(docs []crawler.Document, pageURL string) int {
	added := 0
	for _, d := range docs {
		key, err := crawler.NormalizeURL(d.URL)
		if err != nil || key == "" {
			continue
		}
		if _, dup := j.docSeen[key]; dup {
			continue
		}
		j.docSeen[key] = struct{}{}
		d.URL = key
		if d.SourcePage == "" {
			d.SourcePage = pageURL
		}
		if d.Filename == "" {
			d.Filename = crawler.FilenameFromURL(key)
		}
		if d.Title == "" {
			d.Title = d.Filename
		}
		if d.DiscoveredAt.IsZero() {
			d.DiscoveredAt = j.clock.Now()
		}
		j.documents = append(j.documents, d)
		added++
	}
	return added
}

func (j *CrawlJob) propose(pageURL, link string, depth int) {
	if depth > j.limits.MaxDepth {
		return
	}
	abs, err := crawler.ResolveURL(pageURL, link)
	if err != nil {
		return
	}
	if _, seen := j.visited[abs]; seen {
		return
	}
	if _, dup := j.queued[abs]; dup {
		return
	}
	if len(j.frontier) >= j.limits.MaxPending {
		j.dropped++
		return
	}
	j.enqueue(abs, depth)
}

func (j *CrawlJob) enqueue(u string, depth int) {
	if _, dup := j.queued[u]; dup {
		return
	}
	j.queued[u] = struct{}{}
	j.frontier = append(j.frontier, frontierItem{url: u, depth: depth})
}

func (j *CrawlJob) result() crawler.JobResult {
	docs := make([]crawler.Document, len(j.documents))
	copy(docs, j.documents)
	errs := make([]string, len(j.errs))
	copy(errs, j.errs)
	var dur time.Duration
	if !j.finishedAt.IsZero() {
		dur = j.finishedAt.Sub(j.startedAt)
	}
	return crawler.JobResult{
		JobID:        j.ID,
		BatchID:      j.batchID,
		TargetID:     j.Target.ID,
		TargetName:   j.Target.Name,
		State:        j.state.get(),
		Documents:    docs,
		Errors:       errs,
		PagesVisited: j.pages,
		StartedAt:    j.startedAt,
		FinishedAt:   j.finishedAt,
		Duration:     dur,
	}
}

func (j *CrawlJob) emit(stage progress.Stage, msg string) {
	evt := progress.Event{
		TargetID:  j.Target.ID,
		JobID:     j.ID,
		BatchID:   j.batchID,
		Stage:     stage,
		Current:   j.pages,
		Total:     j.limits.MaxPages,
		Percent:   progress.Percent(j.pages, j.limits.MaxPages),
		Message:   msg,
		Timestamp: j.clock.Now(),
	}
	if stage != progress.StageJobStart {
		evt.Percent = 100
		evt.Duration = j.finishedAt.Sub(j.startedAt)
	}
	j.reporter.Report(evt)
}

func (j *CrawlJob) emitPage(item frontierItem, added int) {
	total := j.pages + len(j.frontier)
	if total > j.limits.MaxPages {
		total = j.limits.MaxPages
	}
	j.reporter.Report(progress.Event{
		TargetID:  j.Target.ID,
		JobID:     j.ID,
		BatchID:   j.batchID,
		Stage:     progress.StagePage,
		Current:   j.pages,
		Total:     total,
		Percent:   progress.Percent(j.pages, total),
		Message:   fmt.Sprintf("%s depth=%d new_documents=%d", item.url, item.depth, added),
		Timestamp: j.clock.Now(),
	})
}
