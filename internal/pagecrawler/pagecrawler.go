// Package pagecrawler visits sitemap pages with a fixed pool of rendering
// sessions and extracts each page's title and meta description.
package pagecrawler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
)

// DefaultUserAgent is the desktop Chrome identity presented to pages.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

const descriptionSelector = `meta[name="description"]`

// Config tunes the crawl.
type Config struct {
	Concurrency int
	PageTimeout time.Duration
	WaitUntil   crawler.WaitUntil
	UserAgent   string
	// SessionWait bounds how long a crawl that already holds a session waits
	// for another one. Concurrent crawls sharing a browser with few tabs then
	// run with fewer sessions instead of waiting on each other.
	SessionWait time.Duration
}

// DefaultConfig returns ten workers with a 20s per-page budget.
func DefaultConfig() Config {
	return Config{
		Concurrency: 10,
		PageTimeout: 20 * time.Second,
		WaitUntil:   crawler.WaitDOMContentLoaded,
		UserAgent:   DefaultUserAgent,
		SessionWait: 250 * time.Millisecond,
	}
}

// Pacer delays a visit until the target host may be contacted.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// ProgressFunc receives the integer percentage of completed pages. Calls are
// serialized and never decrease.
type ProgressFunc func(percent int)

// Crawler renders pages through a crawler.Browser.
type Crawler struct {
	browser crawler.Browser
	pacer   Pacer
	cfg     Config
	logger  *zap.Logger
}

// New wires a Crawler. pacer may be nil.
func New(browser crawler.Browser, pacer Pacer, cfg Config, logger *zap.Logger) *Crawler {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = defaults.PageTimeout
	}
	if cfg.WaitUntil == "" {
		cfg.WaitUntil = defaults.WaitUntil
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.SessionWait <= 0 {
		cfg.SessionWait = defaults.SessionWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{browser: browser, pacer: pacer, cfg: cfg, logger: logger}
}

type job struct {
	index int
	item  crawler.PageItem
}

// Crawl visits every item and returns one enriched item per input, in input
// order. A page that cannot be loaded or read keeps an empty title and
// description. The error is non-nil only when no sessions could be opened
// or ctx ends before every page is done.
func (c *Crawler) Crawl(ctx context.Context, items []crawler.PageItem, onProgress ProgressFunc) ([]crawler.PageItem, error) {
	if len(items) == 0 {
		return []crawler.PageItem{}, nil
	}
	sessions, err := c.openSessions(ctx, min(c.cfg.Concurrency, len(items)))
	if err != nil {
		return nil, err
	}

	tracker := newTracker(len(items), onProgress)
	jobs := make(chan job)
	g, gctx := errgroup.WithContext(ctx)
	for _, session := range sessions {
		g.Go(func() error {
			defer c.closeSession(session)
			for j := range jobs {
				tracker.record(j.index, c.visit(gctx, session, j.item))
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		for i, item := range items {
			select {
			case jobs <- job{index: i, item: item}:
			case <-gctx.Done():
				return fmt.Errorf("feed pages: %w", gctx.Err())
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("crawl pages: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("crawl pages: %w", err)
	}
	return tracker.results(), nil
}

// openSessions opens up to n sessions. The first open waits as long as ctx
// allows; later ones wait at most SessionWait and the crawl continues with
// the sessions it has when that expires.
func (c *Crawler) openSessions(ctx context.Context, n int) ([]crawler.Session, error) {
	sessions := make([]crawler.Session, 0, n)
	for range n {
		openCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(sessions) > 0 {
			openCtx, cancel = context.WithTimeout(ctx, c.cfg.SessionWait)
		}
		session, err := c.openSession(openCtx)
		waitExpired := openCtx.Err() != nil && ctx.Err() == nil
		cancel()
		if err != nil && waitExpired {
			c.logger.Debug("continuing with fewer rendering sessions",
				zap.Int("sessions", len(sessions)), zap.Int("wanted", n))
			break
		}
		if err != nil {
			for _, opened := range sessions {
				c.closeSession(opened)
			}
			return nil, fmt.Errorf("open rendering session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (c *Crawler) openSession(ctx context.Context) (crawler.Session, error) {
	session, err := c.browser.Open(ctx)
	if err != nil {
		return nil, err
	}
	if err := session.SetUserAgent(ctx, c.cfg.UserAgent); err != nil {
		c.closeSession(session)
		return nil, err
	}
	return session, nil
}

func (c *Crawler) closeSession(session crawler.Session) {
	if err := session.Close(); err != nil {
		c.logger.Warn("close rendering session", zap.Error(err))
	}
}

func (c *Crawler) visit(ctx context.Context, session crawler.Session, item crawler.PageItem) crawler.PageItem {
	out := crawler.PageItem{URL: item.URL, LastMod: item.LastMod}
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, item.URL); err != nil {
			c.logger.Debug("page skipped", zap.String("url", item.URL), zap.Error(err))
			return out
		}
	}
	start := time.Now()
	title, description, err := c.extract(ctx, session, item.URL)
	if err != nil {
		metrics.ObservePage(item.URL, pageStatus(err), time.Since(start))
		c.logger.Warn("page crawl failed", zap.String("url", item.URL), zap.Error(err))
		return out
	}
	metrics.ObservePage(item.URL, "success", time.Since(start))
	out.Title = title
	out.Description = description
	return out
}

func (c *Crawler) extract(ctx context.Context, session crawler.Session, url string) (string, string, error) {
	pageCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	if err := session.Visit(pageCtx, url, crawler.VisitOptions{WaitUntil: c.cfg.WaitUntil, Timeout: c.cfg.PageTimeout}); err != nil {
		return "", "", err
	}
	title, err := session.Title(pageCtx)
	if err != nil {
		return "", "", err
	}
	description, _, err := session.Attribute(pageCtx, descriptionSelector, "content")
	if err != nil {
		return "", "", err
	}
	return title, description, nil
}

func pageStatus(err error) string {
	switch {
	case errors.Is(err, crawler.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, crawler.ErrNavigation):
		return "navigation_error"
	default:
		return "error"
	}
}

// tracker collects results and reports progress under one lock so that
// percentages are emitted in order.
type tracker struct {
	mu         sync.Mutex
	items      []crawler.PageItem
	completed  int
	total      int
	onProgress ProgressFunc
}

func newTracker(total int, onProgress ProgressFunc) *tracker {
	return &tracker{items: make([]crawler.PageItem, total), total: total, onProgress: onProgress}
}

func (t *tracker) record(index int, item crawler.PageItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[index] = item
	t.completed++
	if t.onProgress != nil {
		t.onProgress(int(math.Round(100 * float64(t.completed) / float64(t.total))))
	}
}

func (t *tracker) results() []crawler.PageItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]crawler.PageItem(nil), t.items...)
}
