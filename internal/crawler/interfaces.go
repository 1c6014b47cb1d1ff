package crawler

import (
	"context"
	"io"
	"time"
)

// SiteStore persists site records.
type SiteStore interface {
	CreateSite(ctx context.Context, site SiteRecord) error
	GetSite(ctx context.Context, siteID string) (SiteRecord, error)
	// MarkSiteProcessing clears any previous sitemap error and sets status processing.
	MarkSiteProcessing(ctx context.Context, siteID string) error
	// FailSite records errText as the site's sitemap error and returns it to idle.
	FailSite(ctx context.Context, siteID string, errText string) error
	// LinkSitemap points the site at an already completed sitemap.
	LinkSitemap(ctx context.Context, siteID string, sitemapID string) error
}

// SitemapStore persists sitemap records.
type SitemapStore interface {
	CreateSitemap(ctx context.Context, sitemap SitemapRecord) error
	GetSitemap(ctx context.Context, sitemapID string) (SitemapRecord, error)
	UpdateSitemapMessage(ctx context.Context, sitemapID string, message string) error
	UpdateSitemapProgress(ctx context.Context, sitemapID string, progress int) error
	DeleteSitemap(ctx context.Context, sitemapID string) error
	// FindCompletedSitemap returns a complete sitemap built for url, or ErrRecordNotFound.
	FindCompletedSitemap(ctx context.Context, url string) (SitemapRecord, error)
	ListSitemaps(ctx context.Context, siteID string, limit, offset int) ([]SitemapRecord, error)
}

// Store is the document store used by the processor. CommitSitemap must
// update the sitemap and site records in a single atomic step.
type Store interface {
	SiteStore
	SitemapStore
	CommitSitemap(ctx context.Context, req CommitRequest) error
	// RecoverStale returns sites that have been processing since before
	// cutoff to idle with errText, deletes their processing sitemaps, and
	// reports how many sites it recovered.
	RecoverStale(ctx context.Context, cutoff time.Time, errText string) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher produces a content digest for exported documents.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata. A non-2xx
// status is reported as a *StatusError.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Browser hands out rendering sessions. Close releases the underlying engine.
type Browser interface {
	Open(ctx context.Context) (Session, error)
	Close() error
}

// Session is one rendering context (a browser tab) owned by a single worker.
type Session interface {
	SetUserAgent(ctx context.Context, userAgent string) error
	Visit(ctx context.Context, url string, opts VisitOptions) error
	Title(ctx context.Context) (string, error)
	// Attribute returns the attribute of the first element matching selector.
	// The bool is false when no element or attribute exists.
	Attribute(ctx context.Context, selector, attr string) (string, bool, error)
	Close() error
}

// Queue provides enqueue/dequeue semantics for processing requests.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
