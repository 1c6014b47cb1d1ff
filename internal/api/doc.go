// Package api hosts the HTTP server, middleware, and REST handlers for the
// sitemap indexer. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sites registers a site and queues its first sitemap build.
//   - POST /v1/sites/{id}/process queues a fresh build for an existing site.
//   - GET /v1/sites/{id}, /v1/sitemaps/{id} and /v1/sitemaps?site_id= for
//     reading build state and page indexes.
package api
