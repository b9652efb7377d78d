package fetch

import (
	"context"
	"net/http"
	"time"
)

// Request describes one network attempt.
type Request struct {
	URL string
	// MaxBodyBytes is the largest body the transport may return. Transports
	// must fail with crawler.ErrResponseTooLarge rather than truncate.
	MaxBodyBytes int64
	Header       http.Header
}

// Response is a fully read HTTP response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response's Content-Type header.
func (r Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Transport performs a single attempt. HTTP error statuses are returned as a
// Response, not an error; errors are reserved for network, timeout, and size
// failures.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (Response, error)

// Do calls f.
func (f TransportFunc) Do(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
