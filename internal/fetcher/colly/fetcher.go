// Package collyfetcher implements fetch.Transport on top of gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/fetch"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds the whole HTTP exchange, including the body read.
	Timeout time.Duration
	// RoundTripper overrides the pooled default transport (tests use this).
	RoundTripper http.RoundTripper
}

// Transport runs each attempt on a clone of one configured base collector,
// so the HTTP client, cookie jar, and robots cache are shared while
// callbacks stay per request.
type Transport struct {
	base *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
}

// New builds a Transport.
func New(cfg Config) *Transport {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	rt := cfg.RoundTripper
	if rt == nil {
		rt = newHTTPTransport()
	}
	c.WithTransport(rt)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Backend settings are shared by every clone; they are only set here.
	c.SetRequestTimeout(timeout)
	return &Transport{base: c}
}

// Do executes a single GET.
func (t *Transport) Do(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	if err := validateURL(req.URL); err != nil {
		return fetch.Response{}, err
	}
	var (
		result   fetch.Response
		tooLarge bool
	)
	start := time.Now()
	collector := t.base.Clone()
	collector.Context = ctx
	if req.MaxBodyBytes > 0 {
		// One byte over the limit lets us tell "exactly at limit" from
		// "truncated".
		collector.MaxBodySize = int(req.MaxBodyBytes) + 1
	}
	configureHooks(collector, req, start, &result, &tooLarge)

	err := collector.Visit(req.URL)
	switch {
	case tooLarge:
		return result, fmt.Errorf("%w: declared body over %d bytes", crawler.ErrResponseTooLarge, req.MaxBodyBytes)
	case err != nil:
		return result, classifyVisitError(err)
	}
	if req.MaxBodyBytes > 0 && int64(len(result.Body)) > req.MaxBodyBytes {
		return fetch.Response{URL: result.URL, StatusCode: result.StatusCode, Header: result.Header},
			fmt.Errorf("%w: body over %d bytes", crawler.ErrResponseTooLarge, req.MaxBodyBytes)
	}
	return result, nil
}

func configureHooks(hooks collectorHooks, req fetch.Request, start time.Time, result *fetch.Response, tooLarge *bool) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range req.Header {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		if req.MaxBodyBytes <= 0 || r.Headers == nil {
			return
		}
		declared, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64)
		if err == nil && declared > req.MaxBodyBytes {
			*tooLarge = true
			*result = fetch.Response{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Header:     r.Headers.Clone(),
				Duration:   time.Since(start),
			}
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		*result = fetch.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: parse url %q: %w", crawler.ErrNotRetryable, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: unsupported url %q", crawler.ErrNotRetryable, raw)
	}
	return nil
}

// classifyVisitError marks policy refusals as not retryable; everything else
// is left for the fetcher to treat as transient.
func classifyVisitError(err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL):
		return fmt.Errorf("%w: %w", crawler.ErrNotRetryable, err)
	default:
		return fmt.Errorf("colly visit: %w", err)
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
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
