package crawler

import (
	"net/http"
	"time"
)

// SiteStatus represents the lifecycle state of a site's sitemap build.
type SiteStatus string

// Site status values persisted in the site store. New sites start idle.
const (
	SiteStatusIdle       SiteStatus = "idle"
	SiteStatusProcessing SiteStatus = "processing"
	SiteStatusComplete   SiteStatus = "complete"
)

// SitemapStatus represents the lifecycle state of a sitemap record.
type SitemapStatus string

// Sitemap status values.
const (
	SitemapStatusProcessing SitemapStatus = "processing"
	SitemapStatusComplete   SitemapStatus = "complete"
)

// Status messages written to SitemapRecord.StatusMessage and SiteRecord.SitemapError.
const (
	MessageFetchingSitemap = "Fetching Sitemap"
	MessageComplete        = "Complete"
	MessageSitemapNotFound = "Sitemap not found"
	MessageCrawlFailed     = "Failed to crawl sitemap"
	MessageUnknownError    = "Unknown error occurred"
	MessageSiteNotFound    = "Site not found"
	MessageSiteURLMissing  = "Site url not found"
	MessageTriggerFailed   = "Error creating sitemap"
)

// SiteRecord is a website registered for indexing.
type SiteRecord struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	SitemapID    string     `json:"sitemap_id,omitempty"`
	SitemapError string     `json:"sitemap_error,omitempty"`
	Status       SiteStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SitemapRecord holds the progress and final page list of one sitemap build.
type SitemapRecord struct {
	ID            string        `json:"id"`
	SiteID        string        `json:"site_id"`
	URL           string        `json:"url"`
	Status        SitemapStatus `json:"status"`
	StatusMessage string        `json:"status_message"`
	Progress      int           `json:"progress"`
	Pages         []PageItem    `json:"pages,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// PageItem is one page discovered from a sitemap. Title and Description are
// filled by the page crawler; Description is empty when the page has no
// description meta tag or extraction failed.
type PageItem struct {
	URL         string `json:"url"`
	LastMod     string `json:"lastmod"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// CommitRequest is the final state written atomically to a site and its sitemap.
type CommitRequest struct {
	SiteID    string
	SitemapID string
	Pages     []PageItem
	At        time.Time
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// WaitUntil names the navigation milestone a page visit waits for.
type WaitUntil string

// Supported navigation milestones.
const (
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitLoad             WaitUntil = "load"
)

// VisitOptions tunes a single page visit.
type VisitOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// QueueItem wraps a site ready to be processed.
type QueueItem struct {
	SiteID    string
	Attempt   int
	Submitted int64
}

// SitemapExport is the document written to blob storage and announced after a commit.
type SitemapExport struct {
	SiteID      string     `json:"site_id"`
	SitemapID   string     `json:"sitemap_id"`
	URL         string     `json:"url"`
	PageCount   int        `json:"page_count"`
	Pages       []PageItem `json:"pages,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
	BlobURI     string     `json:"blob_uri,omitempty"`
	// Checksum is the hex SHA-256 of the blob written at BlobURI.
	Checksum    string     `json:"sha256,omitempty"`
}
