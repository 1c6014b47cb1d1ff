// Package processor runs one sitemap build for a site: resolve the sitemap,
// pick the newest pages, crawl them for titles and descriptions, and commit
// the result. Any failure returns the site to idle with a readable error and
// removes the half-built sitemap record.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/pagecrawler"
	"github.com/JakeFAU/sitemap-indexer/internal/sitemap"
	"github.com/JakeFAU/sitemap-indexer/internal/telemetry"
)

const cleanupTimeout = 30 * time.Second

var errNoTitledPages = errors.New("no page produced a title")

var tracer = otel.Tracer("github.com/JakeFAU/sitemap-indexer/internal/processor")

// Resolver expands a site URL into the pages its sitemaps list.
type Resolver interface {
	Resolve(ctx context.Context, siteURL string) ([]crawler.PageItem, error)
}

// PageCrawler fills in titles and descriptions for a batch of pages.
type PageCrawler interface {
	Crawl(ctx context.Context, items []crawler.PageItem, onProgress pagecrawler.ProgressFunc) ([]crawler.PageItem, error)
}

// Config tunes a Processor.
type Config struct {
	MaxCrawlLength    int
	ProgressThreshold int
	ExportPrefix      string
	Topic             string
}

// DefaultConfig crawls at most 300 pages and persists progress every 10 points.
func DefaultConfig() Config {
	return Config{
		MaxCrawlLength:    300,
		ProgressThreshold: 10,
		ExportPrefix:      "sitemaps",
	}
}

// Deps are the collaborators of a Processor. Blobs, Hasher and Publisher
// are optional; when nil the corresponding export step is skipped.
type Deps struct {
	Store     crawler.Store
	Resolver  Resolver
	Crawler   PageCrawler
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Blobs     crawler.BlobStore
	Hasher    crawler.Hasher
	Publisher crawler.Publisher
}

// Processor orchestrates sitemap builds.
type Processor struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Processor.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("processor: store is required")
	case deps.Resolver == nil:
		return nil, errors.New("processor: resolver is required")
	case deps.Crawler == nil:
		return nil, errors.New("processor: page crawler is required")
	case deps.IDs == nil:
		return nil, errors.New("processor: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("processor: clock is required")
	}
	if cfg.MaxCrawlLength <= 0 {
		cfg.MaxCrawlLength = DefaultConfig().MaxCrawlLength
	}
	if cfg.ProgressThreshold <= 0 {
		cfg.ProgressThreshold = DefaultConfig().ProgressThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{deps: deps, cfg: cfg, logger: logger}, nil
}

// run tracks what a single Process call has written so the failure path
// knows what to undo.
type run struct {
	siteID    string
	site      *crawler.SiteRecord
	sitemapID string
	// committed is set once the sitemap is durable; nothing after it may
	// fail the site or delete the sitemap.
	committed bool
}

// Process builds a sitemap for siteID. The returned error is always a
// *crawler.ProcessingError whose Message is what was written to the site.
// The caller owns the deadline: canceling ctx abandons in-flight work and
// takes the failure path.
func (p *Processor) Process(ctx context.Context, siteID string) (err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "sitemap.process", trace.WithAttributes(attribute.String("site_id", siteID)))
	defer span.End()
	logger := p.logger.With(zap.String("site_id", siteID))
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	r := &run{siteID: siteID}

	defer func() {
		if rec := recover(); rec != nil {
			if r.committed {
				logger.Error("panic after sitemap commit", zap.Any("panic", rec))
			} else {
				err = fmt.Errorf("panic: %v", rec)
			}
		}
		if err == nil {
			metrics.ObserveRun("complete", time.Since(start))
			return
		}
		var procErr *crawler.ProcessingError
		if !errors.As(err, &procErr) {
			err = crawler.NewProcessingError(crawler.MessageUnknownError, err)
		}
		p.fail(ctx, r, err, logger)
		span.RecordError(err)
		span.SetStatus(codes.Error, crawler.FailureMessage(err))
		metrics.ObserveRun("failed", time.Since(start))
	}()

	return p.execute(ctx, r, logger)
}

func (p *Processor) execute(ctx context.Context, r *run, logger *zap.Logger) error {
	store := p.deps.Store

	site, err := store.GetSite(ctx, r.siteID)
	if err != nil {
		if errors.Is(err, crawler.ErrRecordNotFound) {
			return crawler.NewProcessingError(crawler.MessageSiteNotFound, err)
		}
		return fmt.Errorf("load site: %w", err)
	}
	r.site = &site
	if site.URL == "" {
		return crawler.NewProcessingError(crawler.MessageSiteURLMissing, nil)
	}
	logger = logger.With(zap.String("url", site.URL))

	if err := store.MarkSiteProcessing(ctx, site.ID); err != nil {
		return fmt.Errorf("mark site processing: %w", err)
	}

	sitemapID, err := p.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("sitemap id: %w", err)
	}
	now := p.deps.Clock.Now()
	err = store.CreateSitemap(ctx, crawler.SitemapRecord{
		ID:            sitemapID,
		SiteID:        site.ID,
		URL:           site.URL,
		Status:        crawler.SitemapStatusProcessing,
		StatusMessage: crawler.MessageFetchingSitemap,
		CreatedAt:     now,
		LastUpdated:   now,
	})
	if err != nil {
		return fmt.Errorf("create sitemap: %w", err)
	}
	r.sitemapID = sitemapID
	logger = logger.With(zap.String("sitemap_id", sitemapID))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("sitemap_id", sitemapID))

	items, err := p.deps.Resolver.Resolve(ctx, site.URL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("resolve sitemap: %w", ctxErr)
		}
		return crawler.NewProcessingError(crawler.MessageSitemapNotFound, err)
	}
	found := len(items)
	items = sitemap.Select(sitemap.Dedupe(items), p.cfg.MaxCrawlLength)
	logger.Info("sitemap resolved", zap.Int("entries", found), zap.Int("selected", len(items)))

	if err := store.UpdateSitemapMessage(ctx, sitemapID, fmt.Sprintf("Crawling %d pages", len(items))); err != nil {
		return fmt.Errorf("update sitemap message: %w", err)
	}

	progress := &progressWriter{
		ctx:       ctx,
		store:     store,
		sitemapID: sitemapID,
		threshold: p.cfg.ProgressThreshold,
		logger:    logger,
	}
	crawled, err := p.deps.Crawler.Crawl(ctx, items, progress.update)
	if err != nil {
		return crawler.NewProcessingError(crawler.MessageCrawlFailed, err)
	}

	pages := titledPages(crawled)
	if len(pages) == 0 {
		return crawler.NewProcessingError(crawler.MessageCrawlFailed, errNoTitledPages)
	}

	completedAt := p.deps.Clock.Now()
	err = store.CommitSitemap(ctx, crawler.CommitRequest{
		SiteID:    site.ID,
		SitemapID: sitemapID,
		Pages:     pages,
		At:        completedAt,
	})
	if err != nil {
		return fmt.Errorf("commit sitemap: %w", err)
	}
	r.committed = true
	logger.Info("sitemap complete", zap.Int("pages", len(pages)), zap.Int("crawled", len(crawled)))

	p.export(ctx, crawler.SitemapExport{
		SiteID:      site.ID,
		SitemapID:   sitemapID,
		URL:         site.URL,
		PageCount:   len(pages),
		Pages:       pages,
		CompletedAt: completedAt,
	}, logger)
	return nil
}

// fail records the failure on the site and deletes the in-progress sitemap.
// It runs on a context detached from ctx so a deadline that ended the run
// does not also prevent the cleanup.
func (p *Processor) fail(ctx context.Context, r *run, runErr error, logger *zap.Logger) {
	message := crawler.FailureMessage(runErr)
	logger.Warn("sitemap build failed", zap.String("message", message), zap.Error(runErr))
	if r.site == nil || r.committed {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := p.deps.Store.FailSite(cleanupCtx, r.site.ID, message); err != nil {
		logger.Error("record site failure", zap.Error(err))
	}
	if r.sitemapID == "" {
		return
	}
	if err := p.deps.Store.DeleteSitemap(cleanupCtx, r.sitemapID); err != nil {
		logger.Error("delete in-progress sitemap", zap.String("sitemap_id", r.sitemapID), zap.Error(err))
	}
}

func titledPages(items []crawler.PageItem) []crawler.PageItem {
	pages := make([]crawler.PageItem, 0, len(items))
	for _, item := range items {
		if item.Title != "" {
			pages = append(pages, item)
		}
	}
	return pages
}

// progressWriter persists crawl progress only when it has advanced by at
// least threshold points since the last successful write. The page crawler
// serializes calls, so no locking is needed here.
type progressWriter struct {
	ctx       context.Context
	store     crawler.SitemapStore
	sitemapID string
	threshold int
	last      int
	logger    *zap.Logger
}

func (w *progressWriter) update(percent int) {
	if percent < w.last+w.threshold {
		return
	}
	if err := w.store.UpdateSitemapProgress(w.ctx, w.sitemapID, percent); err != nil {
		w.logger.Warn("update sitemap progress", zap.Int("progress", percent), zap.Error(err))
		return
	}
	w.logger.Debug("sitemap progress", zap.Int("progress", percent))
	w.last = percent
}
