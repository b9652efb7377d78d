// Package fetch is the resilient network layer every crawl job goes through.
//
// A Fetcher holds two independent permit pools: a weighted semaphore capping
// in-flight requests and a token bucket capping request rate. Each attempt
// first passes a memory guard, and responses larger than the configured size
// are refused. FetchWithRetry retries transient failures (5xx, 429, timeouts,
// connection errors) according to a RetryPolicy, honouring Retry-After, and
// stops immediately on cancellation without spending a retry.
//
// An attempt already on the wire is allowed to finish when the caller's
// context is cancelled; cancellation is observed before the next attempt.
package fetch
