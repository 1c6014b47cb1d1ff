package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

var (
	// ErrInvalidURL rejects site URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("site url must be an absolute http or https url")
	// ErrSiteBusy is returned when a reprocess is requested for a site that
	// is already being processed.
	ErrSiteBusy = errors.New("site is already processing")
)

// Enqueuer accepts build jobs. The dispatcher and the queues satisfy it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// TriggerResult reports what happened to a submitted site.
type TriggerResult struct {
	Site   crawler.SiteRecord
	Linked bool
	Queued bool
}

// DefaultStaleAfter matches the default 900s run deadline plus cleanup.
const DefaultStaleAfter = 900*time.Second + cleanupTimeout

// StaleAfter is how long a site may stay processing before no live run can
// still own it: the run deadline plus the failure cleanup budget.
func StaleAfter(runTimeout time.Duration) time.Duration {
	if runTimeout <= 0 {
		return DefaultStaleAfter
	}
	return runTimeout + cleanupTimeout
}

// Trigger registers sites and hands them to the dispatch queue.
type Trigger struct {
	store      crawler.Store
	queue      Enqueuer
	ids        crawler.IDGenerator
	clock      crawler.Clock
	staleAfter time.Duration
	logger     *zap.Logger
}

// TriggerOption customizes a Trigger.
type TriggerOption func(*Trigger)

// WithStaleAfter sets how long a processing site blocks reprocessing.
func WithStaleAfter(d time.Duration) TriggerOption {
	return func(t *Trigger) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// NewTrigger constructs a Trigger.
func NewTrigger(
	store crawler.Store,
	queue Enqueuer,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	opts ...TriggerOption,
) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Trigger{store: store, queue: queue, ids: ids, clock: clock, staleAfter: DefaultStaleAfter, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreateSite stores a new site for rawURL. When a completed sitemap already
// exists for the same URL the site is linked to it; otherwise a build is queued.
func (t *Trigger) CreateSite(ctx context.Context, rawURL string) (TriggerResult, error) {
	siteURL, err := validateSiteURL(rawURL)
	if err != nil {
		return TriggerResult{}, err
	}
	id, err := t.ids.NewID()
	if err != nil {
		return TriggerResult{}, fmt.Errorf("site id: %w", err)
	}
	now := t.clock.Now()
	site := crawler.SiteRecord{
		ID:        id,
		URL:       siteURL,
		Status:    crawler.SiteStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.CreateSite(ctx, site); err != nil {
		return TriggerResult{}, fmt.Errorf("create site: %w", err)
	}
	return t.dispatch(ctx, site, true)
}

// Reprocess queues a fresh build for an existing site, ignoring any sitemap
// already built for its URL. A site processing for longer than the stale
// window was orphaned by a run that never finished; it is recovered first.
func (t *Trigger) Reprocess(ctx context.Context, siteID string) (TriggerResult, error) {
	site, err := t.store.GetSite(ctx, siteID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("get site: %w", err)
	}
	if site.Status == crawler.SiteStatusProcessing {
		cutoff := t.clock.Now().Add(-t.staleAfter)
		if !site.UpdatedAt.Before(cutoff) {
			return TriggerResult{Site: site}, ErrSiteBusy
		}
		if _, err := t.RecoverStale(ctx); err != nil {
			return TriggerResult{Site: site}, err
		}
		if site, err = t.store.GetSite(ctx, siteID); err != nil {
			return TriggerResult{}, fmt.Errorf("get site: %w", err)
		}
		if site.Status == crawler.SiteStatusProcessing {
			return TriggerResult{Site: site}, ErrSiteBusy
		}
	}
	return t.dispatch(ctx, site, false)
}

// RecoverStale returns every site stuck in processing past the stale window
// to idle and removes its half-built sitemaps.
func (t *Trigger) RecoverStale(ctx context.Context) (int, error) {
	n, err := t.store.RecoverStale(ctx, t.clock.Now().Add(-t.staleAfter), crawler.MessageUnknownError)
	if err != nil {
		return 0, fmt.Errorf("recover stale sites: %w", err)
	}
	if n > 0 {
		t.logger.Warn("recovered sites orphaned in processing", zap.Int("sites", n))
	}
	return n, nil
}

func (t *Trigger) dispatch(ctx context.Context, site crawler.SiteRecord, reuse bool) (TriggerResult, error) {
	logger := t.logger.With(zap.String("site_id", site.ID), zap.String("url", site.URL))

	if reuse {
		existing, err := t.store.FindCompletedSitemap(ctx, site.URL)
		switch {
		case err == nil:
			if err := t.store.LinkSitemap(ctx, site.ID, existing.ID); err != nil {
				return TriggerResult{Site: site}, fmt.Errorf("link sitemap: %w", err)
			}
			logger.Info("sitemap already exists", zap.String("sitemap_id", existing.ID))
			site.SitemapID = existing.ID
			site.SitemapError = ""
			site.Status = crawler.SiteStatusComplete
			return TriggerResult{Site: site, Linked: true}, nil
		case !errors.Is(err, crawler.ErrRecordNotFound):
			logger.Warn("lookup existing sitemap", zap.Error(err))
		}
	}

	item := crawler.QueueItem{SiteID: site.ID, Attempt: 1, Submitted: t.clock.Now().Unix()}
	if err := t.queue.Enqueue(ctx, item); err != nil {
		logger.Error("enqueue sitemap build", zap.Error(err))
		failCtx := context.WithoutCancel(ctx)
		if failErr := t.store.FailSite(failCtx, site.ID, crawler.MessageTriggerFailed); failErr != nil {
			logger.Error("record trigger failure", zap.Error(failErr))
		}
		return TriggerResult{Site: site}, fmt.Errorf("enqueue site %s: %w", site.ID, err)
	}
	logger.Info("sitemap build queued")
	return TriggerResult{Site: site, Queued: true}, nil
}

func validateSiteURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", ErrInvalidURL
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return rawURL, nil
	default:
		return "", ErrInvalidURL
	}
}
