package fetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: retries,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
		Strategy:   StrategyExponential,
	}
}

func testLimits() ResourceLimits {
	return ResourceLimits{
		MaxConcurrentRequests: 4,
		RequestTimeout:        time.Second,
		MaxResponseSizeMB:     1,
	}
}

func statusTransport(calls *atomic.Int32, code int, header http.Header) Transport {
	return TransportFunc(func(_ context.Context, req Request) (Response, error) {
		calls.Add(1)
		return Response{URL: req.URL, StatusCode: code, Header: header}, nil
	})
}

func newTestFetcher(t *testing.T, tr Transport, policy RetryPolicy, opts ...Option) (*Fetcher, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	f, err := New(tr, policy, testLimits(), append([]Option{WithSleep(rec.sleep)}, opts...)...)
	require.NoError(t, err)
	return f, rec
}

func TestFetchWithRetryBoundOnServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f, rec := newTestFetcher(t, statusTransport(&calls, http.StatusServiceUnavailable, nil), testPolicy(3))

	_, err := f.FetchWithRetry(context.Background(), "https://city.example/bylaws")
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrTransient)
	require.Equal(t, int32(4), calls.Load())

	var ferr *crawler.FetchError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, 4, ferr.Attempts)
	require.Equal(t, http.StatusServiceUnavailable, ferr.StatusCode)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, rec.Delays())
}

func TestFetchWithRetryRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr := TransportFunc(func(_ context.Context, req Request) (Response, error) {
		if calls.Add(1) < 3 {
			return Response{}, errors.New("connection reset by peer")
		}
		return Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	})
	f, _ := newTestFetcher(t, tr, testPolicy(3))

	resp, err := f.FetchWithRetry(context.Background(), "https://city.example/")
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchWithRetryClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f, rec := newTestFetcher(t, statusTransport(&calls, http.StatusNotFound, nil), testPolicy(5))

	_, err := f.FetchWithRetry(context.Background(), "https://city.example/missing")
	require.ErrorIs(t, err, crawler.ErrNotRetryable)
	require.NotErrorIs(t, err, crawler.ErrTransient)
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, rec.Delays())
}

func TestFetchWithRetryHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	header := http.Header{"Retry-After": []string{"2"}}
	policy := testPolicy(1)
	policy.MaxDelay = 5 * time.Second
	f, rec := newTestFetcher(t, statusTransport(&calls, http.StatusTooManyRequests, header), policy)

	_, err := f.FetchWithRetry(context.Background(), "https://city.example/")
	require.ErrorIs(t, err, crawler.ErrTransient)
	require.Equal(t, []time.Duration{2 * time.Second}, rec.Delays())
}

func TestFetchWithRetryCapsRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	header := http.Header{"Retry-After": []string{"3600"}}
	f, rec := newTestFetcher(t, statusTransport(&calls, http.StatusTooManyRequests, header), testPolicy(1))

	_, err := f.FetchWithRetry(context.Background(), "https://city.example/")
	require.Error(t, err)
	require.Equal(t, []time.Duration{time.Second}, rec.Delays())
}

func TestFetchCancelledBeforeAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f, _ := newTestFetcher(t, statusTransport(&calls, http.StatusOK, nil), testPolicy(3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.FetchWithRetry(ctx, "https://city.example/")
	require.ErrorIs(t, err, crawler.ErrCancelled)
	require.Zero(t, calls.Load())
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleep := func(ctx context.Context, _ time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	f, err := New(statusTransport(&calls, http.StatusBadGateway, nil), testPolicy(5), testLimits(), WithSleep(sleep))
	require.NoError(t, err)

	_, err = f.FetchWithRetry(ctx, "https://city.example/")
	require.ErrorIs(t, err, crawler.ErrCancelled)
	require.Equal(t, int32(1), calls.Load(), "cancellation must not spend a retry")
}

func TestFetchInFlightAttemptSurvivesCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	tr := TransportFunc(func(ctx context.Context, req Request) (Response, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("done")}, nil
	})
	f, _ := newTestFetcher(t, tr, testPolicy(0))

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		resp Response
		err  error
	}
	out := make(chan result, 1)
	go func() {
		resp, err := f.FetchWithRetry(ctx, "https://city.example/")
		out <- result{resp, err}
	}()

	<-started
	cancel()
	close(release)

	res := <-out
	require.NoError(t, res.err)
	require.Equal(t, "done", string(res.resp.Body))
}

func TestFetchMemoryGuard(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var collected atomic.Int32
	limits := testLimits()
	limits.MaxMemoryMB = 10

	over := func() uint64 { return 64 * mib }
	f, err := New(statusTransport(&calls, http.StatusOK, nil), testPolicy(3), limits,
		WithMemoryProbe(over, func() { collected.Add(1) }))
	require.NoError(t, err)

	_, err = f.FetchWithRetry(context.Background(), "https://city.example/")
	require.ErrorIs(t, err, crawler.ErrResourceExceeded)
	require.Zero(t, calls.Load())
	require.Equal(t, int32(1), collected.Load(), "resource errors are not retried")

	var usage atomic.Uint64
	usage.Store(64 * mib)
	f, err = New(statusTransport(&calls, http.StatusOK, nil), testPolicy(3), limits,
		WithMemoryProbe(usage.Load, func() { usage.Store(mib) }))
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "https://city.example/")
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchResponseSizeGuard(t *testing.T) {
	t.Parallel()

	big := make([]byte, mib+1)
	var calls atomic.Int32
	tr := TransportFunc(func(_ context.Context, req Request) (Response, error) {
		calls.Add(1)
		require.Equal(t, int64(mib), req.MaxBodyBytes)
		return Response{URL: req.URL, StatusCode: http.StatusOK, Body: big}, nil
	})
	f, _ := newTestFetcher(t, tr, testPolicy(3))

	_, err := f.FetchWithRetry(context.Background(), "https://city.example/huge.pdf")
	require.ErrorIs(t, err, crawler.ErrResponseTooLarge)
	require.ErrorIs(t, err, crawler.ErrResourceExceeded)
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchTransportSizeErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr := TransportFunc(func(context.Context, Request) (Response, error) {
		calls.Add(1)
		return Response{StatusCode: http.StatusOK}, crawler.ErrResponseTooLarge
	})
	f, _ := newTestFetcher(t, tr, testPolicy(3))

	_, err := f.FetchWithRetry(context.Background(), "https://city.example/huge.pdf")
	require.ErrorIs(t, err, crawler.ErrResponseTooLarge)
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchConcurrencyCap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	tr := TransportFunc(func(_ context.Context, req Request) (Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return Response{URL: req.URL, StatusCode: http.StatusOK}, nil
	})
	limits := testLimits()
	limits.MaxConcurrentRequests = 2
	f, err := New(tr, testPolicy(0), limits)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.Fetch(context.Background(), "https://city.example/"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, int32(2), peak.Load())
}

func TestNewRateLimiterBurst(t *testing.T) {
	t.Parallel()

	l := newRateLimiter(2.5)
	require.Equal(t, 3, l.Burst())
	require.InDelta(t, 2.5, float64(l.Limit()), 1e-9)

	l = newRateLimiter(0.2)
	require.Equal(t, 1, l.Burst())

	l = newRateLimiter(0)
	require.True(t, l.Allow())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, testPolicy(1), testLimits())
	require.Error(t, err)

	limits := testLimits()
	limits.MaxConcurrentRequests = 0
	_, err = New(TransportFunc(func(context.Context, Request) (Response, error) { return Response{}, nil }), testPolicy(1), limits)
	require.Error(t, err)
}
