package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/metrics"
)

// HostLimiter is a process-wide politeness gate keyed by URL host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithHostLimiter shares a per-host limiter across fetchers.
func WithHostLimiter(l HostLimiter) Option {
	return func(f *Fetcher) { f.hosts = l }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) { f.header.Add(key, value) }
}

// WithSleep replaces the backoff sleep; tests use it to record delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// WithMemoryProbe replaces the heap reader and collector behind the memory
// guard.
func WithMemoryProbe(heapInUse func() uint64, collect func()) Option {
	return func(f *Fetcher) {
		f.memory.heapInUse = heapInUse
		f.memory.collect = collect
	}
}

// Fetcher is the per-job ResilientFetcher. It is safe for concurrent use.
type Fetcher struct {
	transport Transport
	policy    RetryPolicy
	limits    ResourceLimits
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	hosts     HostLimiter
	memory    memoryGuard
	header    http.Header
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    *zap.Logger
}

// New builds a Fetcher over transport.
func New(transport Transport, policy RetryPolicy, limits ResourceLimits, opts ...Option) (*Fetcher, error) {
	if transport == nil {
		return nil, errors.New("fetch transport is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resource limits: %w", err)
	}
	f := &Fetcher{
		transport: transport,
		policy:    policy,
		limits:    limits,
		sem:       semaphore.NewWeighted(int64(limits.MaxConcurrentRequests)),
		limiter:   newRateLimiter(limits.MaxRequestsPerSecond),
		memory:    newMemoryGuard(limits.MaxMemoryMB),
		header:    make(http.Header),
		sleep:     sleepContext,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// newRateLimiter returns a bucket of rps tokens per second with a burst of
// ceil(rps); a non-positive rps disables the limit.
func newRateLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Policy returns the retry policy in use.
func (f *Fetcher) Policy() RetryPolicy {
	return f.policy
}

// Fetch performs one guarded attempt.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Response, error) {
	resp, err := f.attempt(ctx, rawURL)
	if err != nil {
		err.Attempts = 1
		return resp, err
	}
	return resp, nil
}

// FetchWithRetry performs attempts until one succeeds, a non-retryable error
// occurs, retries run out, or ctx is cancelled.
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string) (Response, error) {
	for attempt := 1; ; attempt++ {
		resp, ferr := f.attempt(ctx, rawURL)
		if ferr == nil {
			return resp, nil
		}
		ferr.Attempts = attempt
		retry := attempt - 1
		if !errors.Is(ferr, crawler.ErrTransient) || retry >= f.policy.MaxRetries {
			return resp, ferr
		}

		delay := f.policy.Delay(retry + 1)
		if ferr.StatusCode == http.StatusTooManyRequests && ferr.RetryAfter > 0 {
			delay = f.policy.CapDelay(ferr.RetryAfter)
		}
		metrics.ObserveRetry(rawURL)
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(ferr.Err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return Response{}, &crawler.FetchError{
				URL:      rawURL,
				Attempts: attempt,
				Err:      fmt.Errorf("%w during backoff: %w", crawler.ErrCancelled, err),
			}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string) (Response, *crawler.FetchError) {
	fail := func(err error) *crawler.FetchError {
		return &crawler.FetchError{URL: rawURL, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, fail(fmt.Errorf("%w: %w", crawler.ErrCancelled, err))
	}
	if err := f.memory.check(); err != nil {
		return Response{}, fail(err)
	}
	if f.hosts != nil {
		if err := f.hosts.Wait(ctx, rawURL); err != nil {
			return Response{}, fail(fmt.Errorf("%w: %w", crawler.ErrCancelled, err))
		}
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return Response{}, fail(fmt.Errorf("%w: rate limit: %w", crawler.ErrCancelled, err))
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return Response{}, fail(fmt.Errorf("%w: concurrency permit: %w", crawler.ErrCancelled, err))
	}
	defer f.sem.Release(1)

	// The attempt outlives caller cancellation; only the request timeout
	// bounds it.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.limits.RequestTimeout)
	defer cancel()

	start := f.now()
	resp, err := f.transport.Do(attemptCtx, Request{
		URL:          rawURL,
		MaxBodyBytes: f.limits.MaxResponseBytes(),
		Header:       f.header.Clone(),
	})
	elapsed := f.now().Sub(start)
	if resp.Duration == 0 {
		resp.Duration = elapsed
	}

	if err != nil {
		if errors.Is(err, crawler.ErrResourceExceeded) {
			metrics.ObserveGuardTrip("size")
			metrics.ObserveFetch(rawURL, "too_large", elapsed, 0)
			return resp, &crawler.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
		}
		metrics.ObserveFetch(rawURL, "error", elapsed, 0)
		return resp, fail(fmt.Errorf("%w: %w", crawler.ErrTransient, err))
	}

	if int64(len(resp.Body)) > f.limits.MaxResponseBytes() {
		metrics.ObserveGuardTrip("size")
		metrics.ObserveFetch(rawURL, "too_large", elapsed, len(resp.Body))
		return Response{}, &crawler.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: crawler.ErrResponseTooLarge}
	}

	metrics.ObserveFetch(rawURL, statusOutcome(resp.StatusCode), elapsed, len(resp.Body))
	return resp, f.classifyStatus(rawURL, resp)
}

func (f *Fetcher) classifyStatus(rawURL string, resp Response) *crawler.FetchError {
	code := resp.StatusCode
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests:
		return &crawler.FetchError{
			URL:        rawURL,
			StatusCode: code,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), f.now()),
			Err:        crawler.ErrTransient,
		}
	case code >= 500:
		return &crawler.FetchError{URL: rawURL, StatusCode: code, Err: crawler.ErrTransient}
	default:
		return &crawler.FetchError{URL: rawURL, StatusCode: code, Err: crawler.ErrNotRetryable}
	}
}

func statusOutcome(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
