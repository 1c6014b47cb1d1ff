// Package main hosts the sitemap indexer entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts site submissions, validates the URL, stores an idle SiteRecord and
//     either links an already completed sitemap for the same URL or queues a build.
//   - Dispatch: builds flow through a bounded in-memory queue (dispatch.queue_depth) to a fixed worker pool
//     (dispatch.workers, default 1). Each build runs once under a wall-clock deadline (dispatch.run_timeout_seconds).
//   - Build: the processor resolves sitemaps via robots.txt (colly fetcher, retries, gzip, nested indexes),
//     dedupes and ranks entries by lastmod, renders the newest pages through chromedp or the static renderer, and
//     commits the titled pages to the document store in one atomic step.
//   - Persistence & fanout: sites and sitemaps live in memory or Postgres. A completed index is optionally written
//     as JSON to a blob store (memory/local/GCS) and announced on Pub/Sub.
//   - Plumbing: Viper loads config from file and CRAWLER_* env vars; zap provides structured logging; Prometheus
//     metrics are served on /metrics.
//
// Quick checklist:
//   - Run locally: go run ./cmd/sitemapd -config config.yaml (or rely on env overrides).
//   - Without Chrome installed set CRAWLER_CRAWL_RENDERER=static; with
//     CRAWLER_CRAWL_RENDERER=auto Chrome only starts for pages that need it.
//   - For durable state set CRAWLER_STORAGE_DRIVER=postgres and CRAWLER_STORAGE_DSN.
package main
