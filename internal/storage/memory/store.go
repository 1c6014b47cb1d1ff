package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

var errAlreadyExists = errors.New("record already exists")

// Store keeps site and sitemap records in memory for development and tests.
// A single lock guards both collections, which makes CommitSitemap atomic.
type Store struct {
	mu       sync.RWMutex
	sites    map[string]crawler.SiteRecord
	sitemaps map[string]crawler.SitemapRecord
	now      func() time.Time
}

// NewStore constructs a Store. clock may be nil.
func NewStore(clock crawler.Clock) *Store {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = func() time.Time { return clock.Now().UTC() }
	}
	return &Store{
		sites:    make(map[string]crawler.SiteRecord),
		sitemaps: make(map[string]crawler.SitemapRecord),
		now:      now,
	}
}

// CreateSite stores a new site. An empty status becomes idle.
func (s *Store) CreateSite(_ context.Context, site crawler.SiteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sites[site.ID]; exists {
		return fmt.Errorf("site %s: %w", site.ID, errAlreadyExists)
	}
	if site.Status == "" {
		site.Status = crawler.SiteStatusIdle
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = s.now()
	}
	site.UpdatedAt = site.CreatedAt
	s.sites[site.ID] = site
	return nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(_ context.Context, siteID string) (crawler.SiteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return crawler.SiteRecord{}, fmt.Errorf("site %s: %w", siteID, crawler.ErrRecordNotFound)
	}
	return site, nil
}

// MarkSiteProcessing clears the last error and flags the site as processing.
func (s *Store) MarkSiteProcessing(_ context.Context, siteID string) error {
	return s.updateSite(siteID, func(site *crawler.SiteRecord) {
		site.SitemapError = ""
		site.Status = crawler.SiteStatusProcessing
	})
}

// FailSite records a failure message and returns the site to idle.
func (s *Store) FailSite(_ context.Context, siteID string, errText string) error {
	return s.updateSite(siteID, func(site *crawler.SiteRecord) {
		site.SitemapError = errText
		site.Status = crawler.SiteStatusIdle
	})
}

// LinkSitemap points the site at an existing complete sitemap.
func (s *Store) LinkSitemap(_ context.Context, siteID string, sitemapID string) error {
	return s.updateSite(siteID, func(site *crawler.SiteRecord) {
		site.SitemapID = sitemapID
		site.SitemapError = ""
		site.Status = crawler.SiteStatusComplete
	})
}

func (s *Store) updateSite(siteID string, mutate func(*crawler.SiteRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return fmt.Errorf("site %s: %w", siteID, crawler.ErrRecordNotFound)
	}
	mutate(&site)
	site.UpdatedAt = s.now()
	s.sites[siteID] = site
	return nil
}

// RecoverStale idles sites stuck in processing since before cutoff and drops
// their half-built sitemaps.
func (s *Store) RecoverStale(_ context.Context, cutoff time.Time, errText string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for id, site := range s.sites {
		if site.Status != crawler.SiteStatusProcessing || !site.UpdatedAt.Before(cutoff) {
			continue
		}
		for smID, sm := range s.sitemaps {
			if sm.SiteID == id && sm.Status == crawler.SitemapStatusProcessing {
				delete(s.sitemaps, smID)
			}
		}
		site.Status = crawler.SiteStatusIdle
		site.SitemapError = errText
		site.UpdatedAt = s.now()
		s.sites[id] = site
		recovered++
	}
	return recovered, nil
}

// CreateSitemap stores a new sitemap record.
func (s *Store) CreateSitemap(_ context.Context, sitemap crawler.SitemapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sitemaps[sitemap.ID]; exists {
		return fmt.Errorf("sitemap %s: %w", sitemap.ID, errAlreadyExists)
	}
	now := s.now()
	if sitemap.CreatedAt.IsZero() {
		sitemap.CreatedAt = now
	}
	if sitemap.LastUpdated.IsZero() {
		sitemap.LastUpdated = now
	}
	sitemap.Pages = slices.Clone(sitemap.Pages)
	s.sitemaps[sitemap.ID] = sitemap
	return nil
}

// GetSitemap fetches a sitemap by ID. The returned page slice is a copy.
func (s *Store) GetSitemap(_ context.Context, sitemapID string) (crawler.SitemapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sitemap, ok := s.sitemaps[sitemapID]
	if !ok {
		return crawler.SitemapRecord{}, fmt.Errorf("sitemap %s: %w", sitemapID, crawler.ErrRecordNotFound)
	}
	sitemap.Pages = slices.Clone(sitemap.Pages)
	return sitemap, nil
}

// UpdateSitemapMessage sets the human-readable status line.
func (s *Store) UpdateSitemapMessage(_ context.Context, sitemapID string, message string) error {
	return s.updateSitemap(sitemapID, func(sm *crawler.SitemapRecord) {
		sm.StatusMessage = message
	})
}

// UpdateSitemapProgress sets the crawl percentage.
func (s *Store) UpdateSitemapProgress(_ context.Context, sitemapID string, progress int) error {
	return s.updateSitemap(sitemapID, func(sm *crawler.SitemapRecord) {
		sm.Progress = progress
	})
}

func (s *Store) updateSitemap(sitemapID string, mutate func(*crawler.SitemapRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sitemap, ok := s.sitemaps[sitemapID]
	if !ok {
		return fmt.Errorf("sitemap %s: %w", sitemapID, crawler.ErrRecordNotFound)
	}
	mutate(&sitemap)
	sitemap.LastUpdated = s.now()
	s.sitemaps[sitemapID] = sitemap
	return nil
}

// DeleteSitemap removes a sitemap. Deleting a missing sitemap is not an error.
func (s *Store) DeleteSitemap(_ context.Context, sitemapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sitemaps, sitemapID)
	return nil
}

// FindCompletedSitemap returns the most recently updated complete sitemap for url.
func (s *Store) FindCompletedSitemap(_ context.Context, url string) (crawler.SitemapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  crawler.SitemapRecord
		found bool
	)
	for _, sm := range s.sitemaps {
		if sm.URL != url || sm.Status != crawler.SitemapStatusComplete {
			continue
		}
		if !found || sm.LastUpdated.After(best.LastUpdated) {
			best, found = sm, true
		}
	}
	if !found {
		return crawler.SitemapRecord{}, fmt.Errorf("sitemap for %s: %w", url, crawler.ErrRecordNotFound)
	}
	best.Pages = slices.Clone(best.Pages)
	return best, nil
}

// ListSitemaps returns a site's sitemaps, newest first, without page lists.
func (s *Store) ListSitemaps(_ context.Context, siteID string, limit, offset int) ([]crawler.SitemapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.SitemapRecord, 0)
	for _, sm := range s.sitemaps {
		if siteID != "" && sm.SiteID != siteID {
			continue
		}
		sm.Pages = nil
		out = append(out, sm)
	}
	slices.SortFunc(out, func(a, b crawler.SitemapRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if offset >= len(out) {
		return []crawler.SitemapRecord{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CommitSitemap writes the final page list and links the site in one step.
// Neither record changes unless both exist.
func (s *Store) CommitSitemap(_ context.Context, req crawler.CommitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sitemap, ok := s.sitemaps[req.SitemapID]
	if !ok {
		return fmt.Errorf("commit sitemap %s: %w", req.SitemapID, crawler.ErrRecordNotFound)
	}
	site, ok := s.sites[req.SiteID]
	if !ok {
		return fmt.Errorf("commit site %s: %w", req.SiteID, crawler.ErrRecordNotFound)
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}

	sitemap.Pages = slices.Clone(req.Pages)
	sitemap.Status = crawler.SitemapStatusComplete
	sitemap.Progress = 100
	sitemap.StatusMessage = crawler.MessageComplete
	sitemap.LastUpdated = at

	site.SitemapID = req.SitemapID
	site.SitemapError = ""
	site.Status = crawler.SiteStatusComplete
	site.UpdatedAt = at

	s.sitemaps[req.SitemapID] = sitemap
	s.sites[req.SiteID] = site
	return nil
}
