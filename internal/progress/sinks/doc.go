// Package sinks implements progress.Sink consumers: structured logs,
// Prometheus collectors, a Redis channel, and a Pub/Sub topic.
package sinks
