// Package api hosts the HTTP server, middleware, and REST handlers for the
// bookmark service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /bookmarks/process to submit a URL (202 on accept).
//   - POST /bookmarks/process/cancel to cancel a submission (always 200).
//   - GET /bookmarks/process to poll the caller's processing items.
//   - GET/DELETE /bookmarks for completed bookmarks.
package api
