package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/hash/sha256"
	"github.com/JakeFAU/sitemap-indexer/internal/pagecrawler"
	publishermemory "github.com/JakeFAU/sitemap-indexer/internal/publisher/memory"
	"github.com/JakeFAU/sitemap-indexer/internal/storage/memory"
)

type harness struct {
	store     *recordingStore
	resolver  *fakeResolver
	crawler   *fakeCrawler
	blobs     *memory.BlobStore
	publisher *publishermemory.Publisher
	proc      *Processor
}

func newHarness(t *testing.T, cfg Config, items []crawler.PageItem) *harness {
	t.Helper()
	h := &harness{
		store:     newRecordingStore(),
		resolver:  &fakeResolver{items: items},
		crawler:   &fakeCrawler{},
		blobs:     memory.NewBlobStore(),
		publisher: publishermemory.New(),
	}
	proc, err := New(Deps{
		Store:     h.store,
		Resolver:  h.resolver,
		Crawler:   h.crawler,
		IDs:       &seqIDs{prefix: "sm"},
		Clock:     fixedClock{},
		Blobs:     h.blobs,
		Hasher:    sha256.New(),
		Publisher: h.publisher,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	h.proc = proc
	require.NoError(t, h.store.CreateSite(context.Background(), crawler.SiteRecord{ID: "site-1", URL: "https://example.com"}))
	return h
}

func (h *harness) site(t *testing.T) crawler.SiteRecord {
	t.Helper()
	site, err := h.store.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	return site
}

func (h *harness) sitemaps(t *testing.T) []crawler.SitemapRecord {
	t.Helper()
	list, err := h.store.ListSitemaps(context.Background(), "", 0, 0)
	require.NoError(t, err)
	return list
}

func requireFailure(t *testing.T, err error, message string) {
	t.Helper()
	var procErr *crawler.ProcessingError
	require.ErrorAs(t, err, &procErr)
	require.Equal(t, message, procErr.Message)
	require.ErrorIs(t, err, crawler.ErrProcessing)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, DefaultConfig(), nil)
	require.ErrorContains(t, err, "store is required")

	_, err = New(Deps{Store: newRecordingStore()}, DefaultConfig(), nil)
	require.ErrorContains(t, err, "resolver is required")
}

func TestProcessCommitsSitemap(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Topic = "sitemaps-complete"
	h := newHarness(t, cfg, pagesFor(5))

	require.NoError(t, h.proc.Process(context.Background(), "site-1"))

	site := h.site(t)
	require.Equal(t, crawler.SiteStatusComplete, site.Status)
	require.Equal(t, "sm-1", site.SitemapID)
	require.Empty(t, site.SitemapError)

	sm, err := h.store.GetSitemap(context.Background(), "sm-1")
	require.NoError(t, err)
	require.Equal(t, crawler.SitemapStatusComplete, sm.Status)
	require.Equal(t, crawler.MessageComplete, sm.StatusMessage)
	require.Equal(t, 100, sm.Progress)
	require.Len(t, sm.Pages, 5)
	require.Equal(t, "https://example.com", sm.URL)
	require.Equal(t, "site-1", sm.SiteID)
	require.Equal(t, []string{"Crawling 5 pages"}, h.store.messages)

	obj, ok := h.blobs.Get("sitemaps/site-1/sm-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)
	var exported crawler.SitemapExport
	require.NoError(t, json.Unmarshal(obj.Data, &exported))
	require.Equal(t, 5, exported.PageCount)
	require.Len(t, exported.Pages, 5)
	require.Equal(t, testNow, exported.CompletedAt)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "sitemaps-complete", msgs[0].Topic)
	notice, ok := msgs[0].Payload.(crawler.SitemapExport)
	require.True(t, ok)
	require.Equal(t, "memory://sitemaps/site-1/sm-1.json", notice.BlobURI)
	require.Nil(t, notice.Pages)
	sum, err := sha256.New().Hash(obj.Data)
	require.NoError(t, err)
	require.Equal(t, sum, notice.Checksum)
}

func TestProcessDedupesAndSelectsNewest(t *testing.T) {
	t.Parallel()

	items := append(pagesFor(4), crawler.PageItem{URL: "https://example.com/p1", LastMod: "2000-01-01"})
	cfg := DefaultConfig()
	cfg.MaxCrawlLength = 2
	h := newHarness(t, cfg, items)

	require.NoError(t, h.proc.Process(context.Background(), "site-1"))

	require.Len(t, h.crawler.got, 2)
	require.Equal(t, "https://example.com/p1", h.crawler.got[0].URL)
	require.Equal(t, "https://example.com/p2", h.crawler.got[1].URL)
	require.Equal(t, []string{"Crawling 2 pages"}, h.store.messages)
}

func TestProcessDropsUntitledPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(3))
	h.crawler.crawl = func(_ context.Context, items []crawler.PageItem, _ pagecrawler.ProgressFunc) ([]crawler.PageItem, error) {
		out := append([]crawler.PageItem(nil), items...)
		out[1].Title = "Only one"
		out[1].Description = "described"
		return out, nil
	}

	require.NoError(t, h.proc.Process(context.Background(), "site-1"))

	sm, err := h.store.GetSitemap(context.Background(), h.site(t).SitemapID)
	require.NoError(t, err)
	require.Equal(t, []crawler.PageItem{{
		URL:         "https://example.com/p2",
		LastMod:     h.resolver.items[1].LastMod,
		Title:       "Only one",
		Description: "described",
	}}, sm.Pages)
}

func TestProcessThrottlesProgressWrites(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(20))

	require.NoError(t, h.proc.Process(context.Background(), "site-1"))

	// 20 pages report 5, 10, ..., 100; only steps of at least 10 are written.
	require.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, h.store.progress)
}

func TestProcessProgressThresholdIsConfigurable(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ProgressThreshold = 25
	h := newHarness(t, cfg, pagesFor(3))
	h.crawler.crawl = func(_ context.Context, items []crawler.PageItem, onProgress pagecrawler.ProgressFunc) ([]crawler.PageItem, error) {
		for _, p := range []int{10, 24, 30, 49, 60, 100} {
			onProgress(p)
		}
		out := append([]crawler.PageItem(nil), items...)
		out[0].Title = "t"
		return out, nil
	}

	require.NoError(t, h.proc.Process(context.Background(), "site-1"))
	require.Equal(t, []int{30, 60, 100}, h.store.progress)
}

func TestProcessSitemapNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), nil)
	h.resolver.err = crawler.ErrNotFound

	err := h.proc.Process(context.Background(), "site-1")
	requireFailure(t, err, crawler.MessageSitemapNotFound)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	site := h.site(t)
	require.Equal(t, crawler.MessageSitemapNotFound, site.SitemapError)
	require.Equal(t, crawler.SiteStatusIdle, site.Status)
	require.Empty(t, site.SitemapID)
	require.Empty(t, h.sitemaps(t))
	require.Zero(t, h.crawler.calls)
	_, exported := h.blobs.Get("sitemaps/site-1/sm-1.json")
	require.False(t, exported)
}

func TestProcessAllPagesFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(5))
	h.crawler.crawl = func(_ context.Context, items []crawler.PageItem, _ pagecrawler.ProgressFunc) ([]crawler.PageItem, error) {
		return items, nil
	}

	err := h.proc.Process(context.Background(), "site-1")
	requireFailure(t, err, crawler.MessageCrawlFailed)

	site := h.site(t)
	require.Equal(t, crawler.MessageCrawlFailed, site.SitemapError)
	require.Empty(t, site.SitemapID)
	require.Empty(t, h.sitemaps(t))
	require.Empty(t, h.publisher.Messages())
}

func TestProcessCrawlerError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(2))
	h.crawler.crawl = func(context.Context, []crawler.PageItem, pagecrawler.ProgressFunc) ([]crawler.PageItem, error) {
		return nil, errors.New("open rendering session: chrome missing")
	}

	requireFailure(t, h.proc.Process(context.Background(), "site-1"), crawler.MessageCrawlFailed)
	require.Empty(t, h.sitemaps(t))
}

func TestProcessSiteNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(1))

	err := h.proc.Process(context.Background(), "missing")
	requireFailure(t, err, crawler.MessageSiteNotFound)
	require.ErrorIs(t, err, crawler.ErrRecordNotFound)
	require.Zero(t, h.resolver.calls)
	require.Empty(t, h.sitemaps(t))
}

func TestProcessSiteWithoutURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(1))
	require.NoError(t, h.store.CreateSite(context.Background(), crawler.SiteRecord{ID: "blank"}))

	requireFailure(t, h.proc.Process(context.Background(), "blank"), crawler.MessageSiteURLMissing)
	site, err := h.store.GetSite(context.Background(), "blank")
	require.NoError(t, err)
	require.Equal(t, crawler.MessageSiteURLMissing, site.SitemapError)
}

func TestProcessCommitFailureIsUnknownError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(2))
	h.store.commitErr = errors.New("connection reset")

	requireFailure(t, h.proc.Process(context.Background(), "site-1"), crawler.MessageUnknownError)

	site := h.site(t)
	require.Equal(t, crawler.MessageUnknownError, site.SitemapError)
	require.Empty(t, site.SitemapID)
	require.Empty(t, h.sitemaps(t))
}

func TestProcessRecoversPanics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(2))
	h.crawler.crawl = func(context.Context, []crawler.PageItem, pagecrawler.ProgressFunc) ([]crawler.PageItem, error) {
		panic("renderer exploded")
	}

	err := h.proc.Process(context.Background(), "site-1")
	requireFailure(t, err, crawler.MessageUnknownError)
	require.ErrorContains(t, err, "renderer exploded")
	require.Equal(t, crawler.MessageUnknownError, h.site(t).SitemapError)
	require.Empty(t, h.sitemaps(t))
}

func TestProcessCanceledRunStillCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(3))
	ctx, cancel := context.WithCancel(context.Background())
	h.crawler.crawl = func(ctx context.Context, _ []crawler.PageItem, _ pagecrawler.ProgressFunc) ([]crawler.PageItem, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	err := h.proc.Process(ctx, "site-1")
	requireFailure(t, err, crawler.MessageCrawlFailed)
	require.ErrorIs(t, err, context.Canceled)

	site := h.site(t)
	require.Equal(t, crawler.MessageCrawlFailed, site.SitemapError)
	require.Equal(t, crawler.SiteStatusIdle, site.Status)
	require.Empty(t, h.sitemaps(t))
}

func TestProcessClearsStaleErrorAndReplacesLink(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig(), pagesFor(2))
	require.NoError(t, h.store.FailSite(context.Background(), "site-1", "old failure"))

	require.NoError(t, h.proc.Process(context.Background(), "site-1"))
	require.NoError(t, h.proc.Process(context.Background(), "site-1"))

	site := h.site(t)
	require.Empty(t, site.SitemapError)
	require.Equal(t, "sm-2", site.SitemapID)
	require.Len(t, h.sitemaps(t), 2)
}

func TestProcessExportFailureKeepsCommit(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	require.NoError(t, store.CreateSite(context.Background(), crawler.SiteRecord{ID: "site-1", URL: "https://example.com"}))
	pub := publishermemory.New()
	proc, err := New(Deps{
		Store:     store,
		Resolver:  &fakeResolver{items: pagesFor(2)},
		Crawler:   &fakeCrawler{},
		IDs:       &seqIDs{prefix: "sm"},
		Clock:     fixedClock{},
		Blobs:     failingBlobs{},
		Publisher: pub,
	}, Config{Topic: "done"}, nil)
	require.NoError(t, err)

	require.NoError(t, proc.Process(context.Background(), "site-1"))

	site, err := store.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	require.Equal(t, crawler.SiteStatusComplete, site.Status)
	require.Empty(t, pub.Messages())
}

func TestProcessExportPanicKeepsCommittedSitemap(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	require.NoError(t, store.CreateSite(context.Background(), crawler.SiteRecord{ID: "site-1", URL: "https://example.com"}))
	proc, err := New(Deps{
		Store:    store,
		Resolver: &fakeResolver{items: pagesFor(2)},
		Crawler:  &fakeCrawler{},
		IDs:      &seqIDs{prefix: "sm"},
		Clock:    fixedClock{},
		Blobs:    panickingBlobs{},
	}, DefaultConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, proc.Process(context.Background(), "site-1"))

	site, err := store.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	require.Equal(t, crawler.SiteStatusComplete, site.Status)
	require.Empty(t, site.SitemapError)
	require.Equal(t, "sm-1", site.SitemapID)
	sm, err := store.GetSitemap(context.Background(), "sm-1")
	require.NoError(t, err)
	require.Equal(t, crawler.SitemapStatusComplete, sm.Status)
}
