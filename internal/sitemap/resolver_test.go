package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestResolver(f *fakeFetcher) *Resolver {
	return NewResolver(f, fixedClock{now: testNow}, testConfig(), zap.NewNop())
}

func TestResolveRobotsDeclaredSitemapsAndIndex(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		serve("https://example.com/robots.txt", "User-agent: *\nDisallow: /private\nSitemap: https://example.com/index.xml\nsitemap: /news.xml\n").
		serve("https://example.com/index.xml", indexXML("https://example.com/a.xml", "https://example.com/b.xml")).
		serve("https://example.com/a.xml", urlsetXML("https://example.com/1", "2024-01-01", "https://example.com/2", "")).
		serve("https://example.com/b.xml", urlsetXML("https://example.com/3", "2024-02-01")).
		serve("https://example.com/news.xml", urlsetXML("https://example.com/4", "2024-03-01"))

	items, err := newTestResolver(f).Resolve(context.Background(), "https://example.com/some/page")
	require.NoError(t, err)
	require.Equal(t, []crawler.PageItem{
		{URL: "https://example.com/1", LastMod: "2024-01-01"},
		{URL: "https://example.com/2", LastMod: testNow.Format(time.RFC3339)},
		{URL: "https://example.com/3", LastMod: "2024-02-01"},
		{URL: "https://example.com/4", LastMod: "2024-03-01"},
	}, items)
	require.Zero(t, f.callCount("https://example.com/sitemap.xml"))

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		require.Equal(t, DefaultUserAgent, req.Headers.Get("User-Agent"))
		require.Equal(t, DefaultAccept, req.Headers.Get("Accept"))
	}
}

func TestResolveFallsBackToDefaultSitemap(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		fail("https://example.com/robots.txt", http.StatusNotFound).
		serve("https://example.com/sitemap.xml", urlsetXML("https://example.com/", "2024-01-01"))

	items, err := newTestResolver(f).Resolve(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 3, f.callCount("https://example.com/robots.txt"))
}

func TestResolveRobotsWithoutSitemaps(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		serve("https://example.com/robots.txt", "User-agent: *\nAllow: /\n").
		serve("https://example.com/sitemap.xml", urlsetXML("https://example.com/", ""))

	candidates, err := newTestResolver(f).Candidates(context.Background(), "https://example.com/x")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/sitemap.xml"}, candidates)
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		fail("https://example.com/robots.txt", http.StatusNotFound).
		fail("https://example.com/sitemap.xml", http.StatusServiceUnavailable).
		fail("https://example.com/sitemap.xml", http.StatusServiceUnavailable).
		serve("https://example.com/sitemap.xml", urlsetXML("https://example.com/", "2024-01-01"))

	items, err := newTestResolver(f).Resolve(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 3, f.callCount("https://example.com/sitemap.xml"))
}

func TestResolveNotFoundAfterExhaustedRetries(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		fail("https://example.com/robots.txt", http.StatusNotFound).
		fail("https://example.com/sitemap.xml", http.StatusInternalServerError)

	_, err := newTestResolver(f).Resolve(context.Background(), "https://example.com")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Equal(t, 3, f.callCount("https://example.com/sitemap.xml"))
}

func TestResolveEmptyURLSetIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		fail("https://example.com/robots.txt", http.StatusNotFound).
		serve("https://example.com/sitemap.xml", urlsetXML())

	_, err := newTestResolver(f).Resolve(context.Background(), "https://example.com")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestResolveMalformedCandidateDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		serve("https://example.com/robots.txt", "Sitemap: https://example.com/broken.xml\nSitemap: https://example.com/feed.xml\nSitemap: https://example.com/good.xml\n").
		serve("https://example.com/broken.xml", "<urlset><url><loc>https://example.com/x</loc>").
		serve("https://example.com/feed.xml", "<rss><channel></channel></rss>").
		serve("https://example.com/good.xml", urlsetXML("https://example.com/ok", "2024-01-01"))

	items, err := newTestResolver(f).Resolve(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []crawler.PageItem{{URL: "https://example.com/ok", LastMod: "2024-01-01"}}, items)
}

func TestResolveFailedChildDoesNotAbortIndex(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		fail("https://example.com/robots.txt", http.StatusNotFound).
		serve("https://example.com/sitemap.xml", indexXML("https://example.com/gone.xml", "https://example.com/ok.xml")).
		fail("https://example.com/gone.xml", http.StatusGone).
		serve("https://example.com/ok.xml", urlsetXML("https://example.com/ok", "2024-01-01"))

	items, err := newTestResolver(f).Resolve(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestResolveIndexCycleTerminates(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		fail("https://example.com/robots.txt", http.StatusNotFound).
		serve("https://example.com/sitemap.xml", indexXML("https://example.com/sitemap.xml", "https://example.com/loop.xml", "https://example.com/pages.xml")).
		serve("https://example.com/loop.xml", indexXML("https://example.com/sitemap.xml")).
		serve("https://example.com/pages.xml", urlsetXML("https://example.com/p", "2024-01-01"))

	items, err := newTestResolver(f).Resolve(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, f.callCount("https://example.com/sitemap.xml"))
	require.Equal(t, 1, f.callCount("https://example.com/loop.xml"))
}

func TestResolveRespectsDepthCeiling(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		fail("https://example.com/robots.txt", http.StatusNotFound).
		serve("https://example.com/sitemap.xml", indexXML("https://example.com/d1.xml")).
		serve("https://example.com/d1.xml", indexXML("https://example.com/d2.xml")).
		serve("https://example.com/d2.xml", urlsetXML("https://example.com/deep", "2024-01-01"))

	cfg := testConfig()
	cfg.MaxDepth = 1
	r := NewResolver(f, fixedClock{now: testNow}, cfg, zap.NewNop())
	_, err := r.Resolve(context.Background(), "https://example.com")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Zero(t, f.callCount("https://example.com/d2.xml"))
}

func TestResolveRespectsFetchCeiling(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		fail("https://example.com/robots.txt", http.StatusNotFound).
		serve("https://example.com/sitemap.xml", indexXML("https://example.com/a.xml", "https://example.com/b.xml")).
		serve("https://example.com/a.xml", urlsetXML("https://example.com/a", "2024-01-01")).
		serve("https://example.com/b.xml", urlsetXML("https://example.com/b", "2024-01-01"))

	cfg := testConfig()
	cfg.MaxFetches = 2
	r := NewResolver(f, fixedClock{now: testNow}, cfg, zap.NewNop())
	items, err := r.Resolve(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []crawler.PageItem{{URL: "https://example.com/a", LastMod: "2024-01-01"}}, items)
	require.Zero(t, f.callCount("https://example.com/b.xml"))
}

func TestResolveGzipSitemap(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(urlsetXML("https://example.com/gz", "2024-04-01")))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	f := newFakeFetcher().
		serve("https://example.com/robots.txt", "Sitemap: https://example.com/sitemap.xml.gz\n").
		serveResponse("https://example.com/sitemap.xml.gz", fakeResponse{body: buf.Bytes()})

	items, err := newTestResolver(f).Resolve(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []crawler.PageItem{{URL: "https://example.com/gz", LastMod: "2024-04-01"}}, items)
}

func TestResolveInvalidSiteURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "example.com", "ftp://example.com", "://bad"} {
		_, err := newTestResolver(newFakeFetcher()).Resolve(context.Background(), raw)
		require.ErrorIs(t, err, crawler.ErrNotFound, raw)
	}
}

func TestResolveCanceledContext(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher().
		serve("https://example.com/robots.txt", "").
		serve("https://example.com/sitemap.xml", urlsetXML("https://example.com/", ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestResolver(f).Resolve(ctx, "https://example.com")
	require.ErrorIs(t, err, context.Canceled)
}
