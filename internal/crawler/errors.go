package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by the fetcher, jobs, runner, and pipeline. Callers
// match with errors.Is.
var (
	// ErrTransient marks network, 5xx, 429, and timeout failures that the
	// retry policy may retry.
	ErrTransient = errors.New("transient failure")
	// ErrResourceExceeded marks a tripped memory or size guard. The request
	// fails; the job continues.
	ErrResourceExceeded = errors.New("resource limit exceeded")
	// ErrResponseTooLarge is the size-guard flavour of ErrResourceExceeded.
	ErrResponseTooLarge = fmt.Errorf("response too large: %w", ErrResourceExceeded)
	// ErrNotRetryable marks 4xx responses, broken target config, and finder
	// failures that must not be retried.
	ErrNotRetryable = errors.New("not retryable")
	// ErrCancelled is returned once cooperative cancellation is observed.
	ErrCancelled = errors.New("cancelled")
	// ErrNoValidTargets fails a batch whose selection resolved to nothing.
	ErrNoValidTargets = errors.New("no valid targets")
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")
)

// FetchError describes a failed fetch with enough context to log or retry.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
