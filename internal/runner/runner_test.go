package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/fetch"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/job"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

type fakeRegistry struct {
	targets map[int]crawler.Target
	finders map[int]crawler.DocumentFinder
}

func (f *fakeRegistry) Validate(ids []int) []int {
	var out []int
	for _, id := range ids {
		if t, ok := f.targets[id]; ok && t.Active {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeRegistry) Get(id int) (crawler.Target, bool) {
	t, ok := f.targets[id]
	return t, ok
}

func (f *fakeRegistry) Finder(id int) (crawler.DocumentFinder, error) {
	finder, ok := f.finders[id]
	if !ok {
		return nil, fmt.Errorf("target %d: %w", id, crawler.ErrNotFound)
	}
	return finder, nil
}

type oneDocFinder struct{}

func (oneDocFinder) FindDocuments(_ context.Context, _ []byte, pageURL string) ([]crawler.Document, []string, error) {
	return []crawler.Document{{URL: pageURL + "bylaw.pdf"}}, nil, nil
}

type panicFinder struct{}

func (panicFinder) FindDocuments(context.Context, []byte, string) ([]crawler.Document, []string, error) {
	panic("boom")
}

// fetchFunc adapts a function to job.Fetcher.
type fetchFunc func(ctx context.Context, rawURL string) (fetch.Response, error)

func (f fetchFunc) FetchWithRetry(ctx context.Context, rawURL string) (fetch.Response, error) {
	return f(ctx, rawURL)
}

func okFetch(_ context.Context, rawURL string) (fetch.Response, error) {
	return fetch.Response{URL: rawURL, StatusCode: 200, Body: []byte("<html></html>")}, nil
}

func failFetch(_ context.Context, rawURL string) (fetch.Response, error) {
	return fetch.Response{}, &crawler.FetchError{URL: rawURL, StatusCode: 503, Attempts: 4, Err: crawler.ErrTransient}
}

func newRegistry(n int) *fakeRegistry {
	reg := &fakeRegistry{targets: map[int]crawler.Target{}, finders: map[int]crawler.DocumentFinder{}}
	for id := 1; id <= n; id++ {
		reg.targets[id] = crawler.Target{
			ID:        id,
			Name:      fmt.Sprintf("site-%d", id),
			Active:    true,
			EntryURLs: []string{fmt.Sprintf("https://site-%d.example/", id)},
		}
		reg.finders[id] = oneDocFinder{}
	}
	return reg
}

type seqIDs struct {
	prefix string
	n      atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("%s%d", s.prefix, s.n.Add(1)), nil
}

func newRunner(reg Registry, fetchers FetcherFactory, opts ...Option) *Runner {
	base := []Option{
		WithClock(system.NewStepped(time.Unix(1700000000, 0), time.Second)),
		WithIDGenerators(&seqIDs{prefix: "job-"}, &seqIDs{prefix: "batch-"}),
		WithLogger(zap.NewNop()),
	}
	return New(reg, fetchers, Config{Limits: job.DefaultLimits(), DefaultConcurrency: 3}, append(base, opts...)...)
}

func TestRunIsolatesPartialFailures(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{Sequential, Parallel} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()

			reg := newRegistry(5)
			failing := map[int]bool{2: true, 4: true}
			fetchers := func(target crawler.Target) (job.Fetcher, error) {
				if failing[target.ID] {
					return fetchFunc(failFetch), nil
				}
				return fetchFunc(okFetch), nil
			}
			res, err := newRunner(reg, fetchers).Run(context.Background(), []int{1, 2, 3, 4, 5}, Options{Mode: mode})
			require.NoError(t, err)

			require.Equal(t, 5, res.Total)
			require.Equal(t, 5, res.Completed)
			require.Equal(t, 2, res.Failed)
			require.Equal(t, 3, res.Successful)
			require.Zero(t, res.Running)
			require.False(t, res.Success())
			require.Len(t, res.Jobs, 5)
			for i, jr := range res.Jobs {
				require.Equal(t, i+1, jr.TargetID, "results keep input order")
				if failing[jr.TargetID] {
					require.Equal(t, crawler.JobFailed, jr.State)
					require.NotEmpty(t, jr.Errors)
				} else {
					require.Equal(t, crawler.JobCompleted, jr.State)
					require.Len(t, jr.Documents, 1)
				}
			}
			require.Equal(t, 3, res.DocumentCount())
		})
	}
}

func TestRunRecoversWorkerPanics(t *testing.T) {
	t.Parallel()

	reg := newRegistry(3)
	reg.finders[2] = panicFinder{}
	fetchers := func(crawler.Target) (job.Fetcher, error) { return fetchFunc(okFetch), nil }

	res, err := newRunner(reg, fetchers).Run(context.Background(), []int{1, 2, 3}, Options{Mode: Parallel, Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 2, res.Successful)
	require.Equal(t, crawler.JobFailed, res.Jobs[1].State)
	require.Equal(t, []string{"panic: boom"}, res.Jobs[1].Errors)
	require.Equal(t, "batch-1", res.Jobs[1].BatchID)
}

func TestRunFailsFastWithoutValidTargets(t *testing.T) {
	t.Parallel()

	reg := newRegistry(2)
	off := reg.targets[2]
	off.Active = false
	reg.targets[2] = off

	res, err := newRunner(reg, nil).Run(context.Background(), []int{2, 9}, Options{})
	require.ErrorIs(t, err, crawler.ErrNoValidTargets)
	require.Equal(t, []int{2, 9}, res.Skipped)
}

func TestRunReportsSkippedAndBuildFailures(t *testing.T) {
	t.Parallel()

	reg := newRegistry(3)
	delete(reg.finders, 3)
	fetchers := func(target crawler.Target) (job.Fetcher, error) {
		if target.ID == 2 {
			return nil, errors.New("bad limits")
		}
		return fetchFunc(okFetch), nil
	}
	res, err := newRunner(reg, fetchers).Run(context.Background(), []int{1, 2, 3, 42}, Options{Mode: Sequential})
	require.NoError(t, err)
	require.Equal(t, []int{42}, res.Skipped)
	require.Equal(t, 1, res.Successful)
	require.Equal(t, 2, res.Failed)
	require.Contains(t, res.Jobs[1].Errors[0], "build fetcher")
	require.Equal(t, crawler.JobFailed, res.Jobs[2].State)
	require.Contains(t, res.Jobs[2].Errors[0], crawler.ErrNotFound.Error())
}

func TestRunCancelsPendingJobsAndLetsRunningFinish(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{Sequential, Parallel} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()

			reg := newRegistry(3)
			started := make(chan struct{})
			release := make(chan struct{})
			var laterCalls atomic.Int32
			fetchers := func(target crawler.Target) (job.Fetcher, error) {
				if target.ID == 1 {
					return fetchFunc(func(_ context.Context, rawURL string) (fetch.Response, error) {
						close(started)
						<-release
						return okFetch(context.Background(), rawURL)
					}), nil
				}
				return fetchFunc(func(ctx context.Context, rawURL string) (fetch.Response, error) {
					laterCalls.Add(1)
					return okFetch(ctx, rawURL)
				}), nil
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			type outcome struct {
				res Result
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := newRunner(reg, fetchers).Run(ctx, []int{1, 2, 3}, Options{Mode: mode, Concurrency: 1})
				done <- outcome{res, err}
			}()

			<-started
			cancel()
			close(release)
			out := <-done
			require.NoError(t, out.err)
			res := out.res

			require.Equal(t, crawler.JobCompleted, res.Jobs[0].State)
			require.Len(t, res.Jobs[0].Documents, 1)
			require.Equal(t, crawler.JobCancelled, res.Jobs[1].State)
			require.Equal(t, crawler.JobCancelled, res.Jobs[2].State)
			require.Equal(t, 3, res.Completed)
			require.Equal(t, 1, res.Successful)
			require.Equal(t, 2, res.Cancelled)
			require.Zero(t, res.Failed)
			require.Zero(t, laterCalls.Load())
		})
	}
}

type recordingSink struct {
	mu      sync.Mutex
	jobs    []string
	batches []string
	fail    bool
}

func (s *recordingSink) SaveJobResult(_ context.Context, res crawler.JobResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("disk full")
	}
	s.jobs = append(s.jobs, res.JobID)
	return "mem://jobs/" + res.JobID, nil
}

func (s *recordingSink) SaveBatchResult(_ context.Context, results []crawler.JobResult, batchID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("disk full")
	}
	s.batches = append(s.batches, fmt.Sprintf("%s:%d", batchID, len(results)))
	return "mem://batches/" + batchID, nil
}

func TestRunPersistsThroughOutputSink(t *testing.T) {
	t.Parallel()

	fetchers := func(crawler.Target) (job.Fetcher, error) { return fetchFunc(okFetch), nil }

	sink := &recordingSink{}
	res, err := newRunner(newRegistry(2), fetchers, WithOutputSink(sink)).
		Run(context.Background(), []int{1, 2}, Options{Mode: Sequential, Persist: true})
	require.NoError(t, err)
	require.Equal(t, []string{"job-1", "job-2"}, sink.jobs)
	require.Equal(t, []string{"batch-1:2"}, sink.batches)
	require.Equal(t, "mem://batches/batch-1", res.Location)
	require.Equal(t, "mem://jobs/job-1", res.Jobs[0].Location)

	quiet := &recordingSink{}
	_, err = newRunner(newRegistry(2), fetchers, WithOutputSink(quiet)).
		Run(context.Background(), []int{1, 2}, Options{Mode: Sequential})
	require.NoError(t, err)
	require.Empty(t, quiet.jobs)
	require.Empty(t, quiet.batches)

	broken := &recordingSink{fail: true}
	res, err = newRunner(newRegistry(1), fetchers, WithOutputSink(broken)).
		Run(context.Background(), []int{1}, Options{Persist: true})
	require.NoError(t, err)
	require.Equal(t, crawler.JobCompleted, res.Jobs[0].State)
	require.Contains(t, res.Jobs[0].Errors, "save job result: disk full")
	require.Len(t, res.Errors, 1)
}

type panicSink struct{ recordingSink }

func (s *panicSink) SaveJobResult(context.Context, crawler.JobResult) (string, error) {
	panic("bucket gone")
}

func TestRunRecoversOutputSinkPanics(t *testing.T) {
	t.Parallel()

	fetchers := func(crawler.Target) (job.Fetcher, error) { return fetchFunc(okFetch), nil }

	sink := &panicSink{}
	res, err := newRunner(newRegistry(3), fetchers, WithOutputSink(sink)).
		Run(context.Background(), []int{1, 2, 3}, Options{Concurrency: 2, Persist: true})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 3)
	require.Equal(t, 3, res.Successful)
	for _, jr := range res.Jobs {
		require.Equal(t, crawler.JobCompleted, jr.State)
		require.Contains(t, jr.Errors, "save job result: panic: bucket gone")
	}
	require.Equal(t, []string{"batch-1:3"}, sink.batches)
}

func TestRunEmitsBatchProgressWithETA(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []progress.Event
	)
	reporter := progress.ReporterFunc(func(evt progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	})
	fetchers := func(crawler.Target) (job.Fetcher, error) { return fetchFunc(okFetch), nil }

	res, err := newRunner(newRegistry(3), fetchers).
		Run(context.Background(), []int{1, 2, 3}, Options{Mode: Sequential, Reporter: reporter})
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Positive(t, res.Duration)

	mu.Lock()
	defer mu.Unlock()
	var batchProgress []progress.Event
	for _, evt := range events {
		require.NoError(t, evt.Validate())
		if evt.Stage == progress.StageBatchProgress {
			batchProgress = append(batchProgress, evt)
		}
	}
	require.Equal(t, progress.StageBatchStart, events[0].Stage)
	require.Equal(t, progress.StageBatchDone, events[len(events)-1].Stage)
	require.Len(t, batchProgress, 3)
	for i, evt := range batchProgress {
		require.Equal(t, i+1, evt.Current)
		require.Equal(t, 3, evt.Total)
		require.Equal(t, "batch-1", evt.BatchID)
	}
	require.Contains(t, batchProgress[0].Message, "eta")
	require.NotContains(t, batchProgress[2].Message, "eta")
	require.InDelta(t, 100.0, batchProgress[2].Percent, 0.001)
}

func TestBatchRecordComputesETAFromMeanDuration(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	b := newBatch("b", Parallel, 2, 4, start)
	b.started()
	b.started()

	now := start.Add(10 * time.Second)
	st := b.record(crawler.JobResult{State: crawler.JobCompleted, Duration: 4 * time.Second}, true, now)
	require.Equal(t, now.Add(3*4*time.Second), st.EstimatedCompletion)
	require.Equal(t, 1, st.Running)

	st = b.record(crawler.JobResult{State: crawler.JobFailed, Duration: 8 * time.Second}, true, now)
	require.Equal(t, now.Add(2*6*time.Second), st.EstimatedCompletion)

	st = b.record(crawler.JobResult{State: crawler.JobCancelled}, false, now)
	require.Equal(t, now.Add(1*6*time.Second), st.EstimatedCompletion)
	require.Equal(t, 3, st.Completed)
	require.Equal(t, 1, st.Successful)
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 1, st.Cancelled)
	require.Zero(t, st.Running)
}
