// Package api hosts the HTTP server, middleware, and REST handlers that expose
// discovery, scan triggers, and queue drains. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sites/discover and /v1/sites/{site_id}/rediscover.
//   - POST /v1/sites/{site_id}/scans and GET /v1/scans/{scan_id}.
//   - POST /v1/cron/scan, /v1/scans/process and /v1/scans/start for platform cron.
package api
