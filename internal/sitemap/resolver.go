package sitemap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
)

// Identity presented to robots.txt and sitemap hosts.
const (
	DefaultUserAgent = "sitemap-indexer/1.0 (+https://github.com/JakeFAU/sitemap-indexer)"
	DefaultAccept    = "application/xml, text/xml; q=0.9, */*; q=0.8"
)

var (
	errDepthExceeded = errors.New("sitemap index depth exceeded")
	errFetchLimit    = errors.New("sitemap fetch limit reached")
)

// Config tunes sitemap resolution.
type Config struct {
	UserAgent string
	Accept    string
	Retry     RetryPolicy
	// MaxDepth bounds sitemap index nesting; the candidate itself is depth 0.
	MaxDepth int
	// MaxFetches bounds the number of sitemap documents fetched per Resolve.
	MaxFetches   int
	MaxBodyBytes int64
}

// DefaultConfig returns the resolver defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:    DefaultUserAgent,
		Accept:       DefaultAccept,
		Retry:        DefaultRetryPolicy(),
		MaxDepth:     5,
		MaxFetches:   500,
		MaxBodyBytes: 50 << 20,
	}
}

// Resolver turns a site URL into the flat list of page items its sitemaps declare.
type Resolver struct {
	fetcher crawler.Fetcher
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewResolver wires a Resolver.
func NewResolver(fetcher crawler.Fetcher, clock crawler.Clock, cfg Config, logger *zap.Logger) *Resolver {
	defaults := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.Accept == "" {
		cfg.Accept = defaults.Accept
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = defaults.Retry
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaults.MaxDepth
	}
	if cfg.MaxFetches <= 0 {
		cfg.MaxFetches = defaults.MaxFetches
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{fetcher: fetcher, clock: clock, cfg: cfg, logger: logger}
}

// resolveRun is the per-call traversal state. Resolution is sequential, so
// it needs no locking.
type resolveRun struct {
	visited map[string]struct{}
	fetches int
}

// Resolve discovers and expands every sitemap of siteURL. Entries appear in
// candidate order, depth first through indexes. A candidate or child sitemap
// that fails is skipped; ErrNotFound is returned only when nothing at all
// was found.
func (r *Resolver) Resolve(ctx context.Context, siteURL string) ([]crawler.PageItem, error) {
	origin, err := originOf(siteURL)
	if err != nil {
		return nil, err
	}
	candidates := r.discover(ctx, origin)
	run := &resolveRun{visited: make(map[string]struct{})}

	var items []crawler.PageItem
	for _, candidate := range candidates {
		found, err := r.resolveSitemap(ctx, run, candidate, 0)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("resolve sitemaps: %w", ctxErr)
			}
			r.logger.Warn("sitemap candidate failed",
				zap.String("site", origin),
				zap.String("sitemap", candidate),
				zap.Error(err),
			)
		}
		items = append(items, found...)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no entries for %s", crawler.ErrNotFound, origin)
	}
	r.logger.Info("sitemaps resolved",
		zap.String("site", origin),
		zap.Int("candidates", len(candidates)),
		zap.Int("documents", run.fetches),
		zap.Int("entries", len(items)),
	)
	return items, nil
}

// Candidates lists the sitemap URLs a site advertises, falling back to
// origin/sitemap.xml.
func (r *Resolver) Candidates(ctx context.Context, siteURL string) ([]string, error) {
	origin, err := originOf(siteURL)
	if err != nil {
		return nil, err
	}
	return r.discover(ctx, origin), nil
}

func (r *Resolver) discover(ctx context.Context, origin string) []string {
	robotsURL := origin + "/robots.txt"
	resp, err := r.fetchWithRetry(ctx, robotsURL)
	if err != nil {
		r.logger.Debug("robots.txt unavailable", zap.String("url", robotsURL), zap.Error(err))
		return []string{origin + "/sitemap.xml"}
	}
	declared := sitemapsFromRobots(robotsURL, resp.Body)
	if len(declared) == 0 {
		return []string{origin + "/sitemap.xml"}
	}
	return declared
}

func (r *Resolver) resolveSitemap(ctx context.Context, run *resolveRun, loc string, depth int) ([]crawler.PageItem, error) {
	if depth > r.cfg.MaxDepth {
		return nil, fmt.Errorf("%w at %s", errDepthExceeded, loc)
	}
	if _, seen := run.visited[loc]; seen {
		r.logger.Debug("sitemap already visited", zap.String("sitemap", loc))
		return nil, nil
	}
	run.visited[loc] = struct{}{}
	if run.fetches >= r.cfg.MaxFetches {
		return nil, fmt.Errorf("%w (%d)", errFetchLimit, r.cfg.MaxFetches)
	}
	run.fetches++

	resp, err := r.fetchWithRetry(ctx, loc)
	if err != nil {
		return nil, err
	}
	body, err := decodeBody(loc, resp, r.cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(body, resp.Headers.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", loc, err)
	}

	switch doc.kind {
	case kindURLSet:
		items := r.toItems(doc.urls)
		metrics.ObserveSitemapEntries(loc, len(items))
		return items, nil
	case kindIndex:
		var items []crawler.PageItem
		for _, child := range doc.children {
			childLoc := strings.TrimSpace(child.Loc)
			if childLoc == "" {
				continue
			}
			found, err := r.resolveSitemap(ctx, run, childLoc, depth+1)
			if err != nil {
				if ctx.Err() != nil {
					return items, err
				}
				r.logger.Warn("child sitemap failed",
					zap.String("index", loc),
					zap.String("sitemap", childLoc),
					zap.Error(err),
				)
			}
			items = append(items, found...)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnsupported, loc)
}

func (r *Resolver) toItems(entries []urlEntry) []crawler.PageItem {
	items := make([]crawler.PageItem, 0, len(entries))
	var fallback string
	for _, entry := range entries {
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			continue
		}
		lastMod := strings.TrimSpace(entry.LastMod)
		if lastMod == "" {
			if fallback == "" {
				fallback = r.clock.Now().UTC().Format(time.RFC3339)
			}
			lastMod = fallback
		}
		items = append(items, crawler.PageItem{URL: loc, LastMod: lastMod})
	}
	return items
}

func (r *Resolver) fetchWithRetry(ctx context.Context, loc string) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{
		URL: loc,
		Headers: http.Header{
			"User-Agent": {r.cfg.UserAgent},
			"Accept":     {r.cfg.Accept},
		},
	}
	for attempt := 1; ; attempt++ {
		resp, err := r.fetcher.Fetch(ctx, req)
		if err == nil {
			metrics.ObserveSitemapFetch(loc, "success")
			return resp, nil
		}
		if !r.cfg.Retry.ShouldRetry(err, attempt) {
			metrics.ObserveSitemapFetch(loc, "error")
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s after %d attempt(s): %w", loc, attempt, err)
		}
		metrics.ObserveSitemapFetch(loc, "retry")
		delay := r.cfg.Retry.Backoff(attempt)
		r.logger.Debug("retrying fetch",
			zap.String("url", loc),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return crawler.FetchResponse{}, err
		}
	}
}

func originOf(siteURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil {
		return "", fmt.Errorf("%w: parse site url %q: %v", crawler.ErrNotFound, siteURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: site url %q is not an absolute http(s) url", crawler.ErrNotFound, siteURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
