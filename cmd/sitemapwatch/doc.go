// Package main hosts the sitemapwatch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, discovery, scan triggers, and queue drains behind an
//     optional API key. Platform cron (Cloud Scheduler or similar) can drive /v1/cron/scan and /v1/scans/process.
//   - Discovery: robots.txt Sitemap directives seed a breadth-first walk of sitemap indexes; without directives the
//     well-known /sitemap.xml and /sitemap_index.xml paths and homepage <link rel="sitemap"> tags are tried.
//   - Scans: one scan per site may be queued or running at a time. Each scan conditionally fetches every sitemap
//     (ETag / Last-Modified), diffs its <url> entries against stored records, and writes added, removed, and
//     updated Change rows. A safety net forces any scan that escapes the normal path to a failed terminal state.
//   - Scheduling: the serve command runs cron-scan, drain-queue, and reap-stale on robfig/cron specs. The cron
//     pass takes a Redis lease so that only one replica selects due sites.
//   - Notifications: scan.complete and change.summary events are POSTed to webhooks with an HMAC-SHA256
//     signature; email and slack channels become Pub/Sub dispatch intents.
//   - Persistence: Postgres via pgx when db.dsn is set, otherwise in memory. Raw sitemap bodies may be archived to
//     memory, local disk, or GCS.
//
// Quick checklist:
//   - Configure env vars with the SITEMAPWATCH_ prefix, e.g. SITEMAPWATCH_DB_DSN, SITEMAPWATCH_REDIS_ADDR,
//     SITEMAPWATCH_PUBSUB_PROJECT_ID, SITEMAPWATCH_NOTIFY_WEBHOOK_SECRET, SITEMAPWATCH_AUTH_API_KEY.
//   - Run locally: go run ./cmd/sitemapwatch serve --config config.yaml.
//   - One-shot jobs: discover, scan, cron, drain, reap, and migrate run against the same configuration.
package main
