// Package main hosts the bookmark processing service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts bookmark submissions, cancellations and polling requests. Submissions are
//     validated, recorded as queued processing items and handed to the dispatcher; the client gets 202 immediately.
//   - Dispatcher & queue: jobs flow through either a bounded in-memory queue or a Redis stream consumer group and are
//     fanned out to a fixed worker pool sized by pipeline.workers. Delivery is at-least-once; an in-flight guard
//     rejects a second submission of the same URL while the first is still running.
//   - Pipeline: each worker drives the orchestrator through scraping, extracting and persisting. Every stage first
//     checks the sticky cancellation flag, and completed stage results are memoized so a retried job resumes where
//     it stopped.
//   - Persistence & fanout: per-user item collections and saved bookmarks are JSON documents in the configured
//     object store (memory/local/GCS/Postgres/Redis). A terminal event is published to Pub/Sub when a topic is set.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Writes to a user's collection are read-modify-write. Memory, GCS, Postgres and Redis backends use
//     compare-and-swap and retry on conflict; the local backend is last-writer-wins.
//   - Cloud Run: the HTTP server listens on the configured port (overridable via PORT) and drains on SIGTERM.
//
// Quick checklist:
//   - Configure env vars: BOOKMARKD_SERVER_PORT or PORT, BOOKMARKD_STORAGE_BACKEND, BOOKMARKD_QUEUE_BACKEND,
//     BOOKMARKD_REDIS_ADDR, BOOKMARKD_ENRICH_PROVIDER and BOOKMARKD_ENRICH_API_KEY, BOOKMARKD_PUBSUB_PROJECT_ID.
//   - Run locally: go run ./cmd/bookmarkd -config config.yaml (or rely solely on env overrides).
package main
