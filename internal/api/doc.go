// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/traversals, /v1/jobs, /v1/jobs/{job_id}, /v1/quotas and /v1/queue
//     for reporting.
//   - POST /v1/jobs/{job_id}/trigger for manual runs.
//   - PUT /v1/urls/{url_id}/priority for manual priority overrides.
package api
