package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/pagecrawler"
	"github.com/JakeFAU/sitemap-indexer/internal/storage/memory"
)

var testNow = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type seqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n), nil
}

type fakeResolver struct {
	items []crawler.PageItem
	err   error
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, _ string) ([]crawler.PageItem, error) {
	r.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.items, r.err
}

// fakeCrawler titles every page by default. crawl overrides the behavior.
type fakeCrawler struct {
	crawl func(ctx context.Context, items []crawler.PageItem, onProgress pagecrawler.ProgressFunc) ([]crawler.PageItem, error)
	got   []crawler.PageItem
	calls int
}

func (c *fakeCrawler) Crawl(ctx context.Context, items []crawler.PageItem, onProgress pagecrawler.ProgressFunc) ([]crawler.PageItem, error) {
	c.calls++
	c.got = items
	if c.crawl != nil {
		return c.crawl(ctx, items, onProgress)
	}
	out := make([]crawler.PageItem, len(items))
	for i, item := range items {
		item.Title = "Title " + item.URL
		out[i] = item
		onProgress((i + 1) * 100 / len(items))
	}
	return out, nil
}

// recordingStore wraps the memory store, recording writes and injecting failures.
type recordingStore struct {
	*memory.Store

	mu        sync.Mutex
	progress  []int
	messages  []string
	commitErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: memory.NewStore(fixedClock{})}
}

func (s *recordingStore) UpdateSitemapProgress(ctx context.Context, sitemapID string, progress int) error {
	s.mu.Lock()
	s.progress = append(s.progress, progress)
	s.mu.Unlock()
	return s.Store.UpdateSitemapProgress(ctx, sitemapID, progress)
}

func (s *recordingStore) UpdateSitemapMessage(ctx context.Context, sitemapID string, message string) error {
	s.mu.Lock()
	s.messages = append(s.messages, message)
	s.mu.Unlock()
	return s.Store.UpdateSitemapMessage(ctx, sitemapID, message)
}

func (s *recordingStore) CommitSitemap(ctx context.Context, req crawler.CommitRequest) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	return s.Store.CommitSitemap(ctx, req)
}

// FailSite and DeleteSitemap refuse canceled contexts so tests can prove the
// failure path runs detached from the run's context.
func (s *recordingStore) FailSite(ctx context.Context, siteID string, errText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FailSite(ctx, siteID, errText)
}

func (s *recordingStore) DeleteSitemap(ctx context.Context, sitemapID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.DeleteSitemap(ctx, sitemapID)
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

type fakeQueue struct {
	mu    sync.Mutex
	items []crawler.QueueItem
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, item crawler.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	<-ctx.Done()
	return crawler.QueueItem{}, ctx.Err()
}

func pagesFor(n int) []crawler.PageItem {
	items := make([]crawler.PageItem, n)
	for i := range items {
		items[i] = crawler.PageItem{
			URL:     fmt.Sprintf("https://example.com/p%d", i+1),
			LastMod: testNow.AddDate(0, 0, -i).Format("2006-01-02"),
		}
	}
	return items
}

type panickingBlobs struct{}

func (panickingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	panic("bucket client exploded")
}
