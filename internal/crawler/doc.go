// Package crawler defines the domain model shared by the sitemap indexer:
// site and sitemap records, page items, and the capability interfaces
// (fetching, rendering, persistence, queuing, publishing) that the resolver,
// page crawler, and processor are wired against.
package crawler
