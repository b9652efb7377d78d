// Package api hosts the HTTP front. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/actions and /v1/actions/{action} run a service action and
//     stream its NDJSON lines.
//   - GET /v1/jobs lists tracked operations; GET /v1/jobs/{job_id} and
//     POST /v1/jobs/{job_id}/cancel inspect and cancel one.
package api
