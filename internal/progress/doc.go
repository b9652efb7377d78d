// Package progress defines the progress events emitted by the job runner and
// the pipeline controller, the synchronous Reporter boundary callers plug
// into, and a non-blocking Hub that batches events out to slower sinks
// (logs, Prometheus, Redis, Pub/Sub).
package progress
