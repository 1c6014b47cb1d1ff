package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/queue/memory"
)

type call struct {
	siteID      string
	hasDeadline bool
	remaining   time.Duration
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	results map[string]error
	panicOn string
	block   bool
}

func (r *fakeRunner) Process(ctx context.Context, siteID string) error {
	deadline, ok := ctx.Deadline()
	r.mu.Lock()
	r.calls = append(r.calls, call{siteID: siteID, hasDeadline: ok, remaining: time.Until(deadline)})
	block := r.block
	r.mu.Unlock()
	if siteID == r.panicOn {
		panic("boom")
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.results[siteID]
}

func (r *fakeRunner) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func enqueue(t *testing.T, q *memory.Queue, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{SiteID: id, Attempt: 1}))
	}
}

func TestWorkerRunsEachItemOnceWithDeadline(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	runner := &fakeRunner{results: map[string]error{"b": crawler.NewProcessingError(crawler.MessageSitemapNotFound, nil)}}
	w := New(q, runner, Config{RunTimeout: time.Minute}, zap.NewNop())

	enqueue(t, q, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(runner.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	calls := runner.snapshot()
	require.Equal(t, []string{"a", "b", "c"}, []string{calls[0].siteID, calls[1].siteID, calls[2].siteID})
	for _, c := range calls {
		require.True(t, c.hasDeadline)
		require.LessOrEqual(t, c.remaining, time.Minute)
		require.Greater(t, c.remaining, 50*time.Second)
	}
}

func TestWorkerRunTimeoutCancelsBuild(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	runner := &fakeRunner{block: true}
	w := New(q, runner, Config{RunTimeout: 20 * time.Millisecond}, nil)

	err := w.handle(context.Background(), crawler.QueueItem{SiteID: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerRecoversPanics(t *testing.T) {
	t.Parallel()

	w := New(memory.NewQueue(1), &fakeRunner{panicOn: "bad"}, Config{}, nil)
	err := w.handle(context.Background(), crawler.QueueItem{SiteID: "bad"})
	require.ErrorContains(t, err, "build panicked: boom")
}

func TestWorkerRejectsEmptySiteID(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	w := New(memory.NewQueue(1), runner, Config{}, nil)
	err := w.handle(context.Background(), crawler.QueueItem{})
	require.Equal(t, "Invalid Parameters", crawler.FailureMessage(err))
	require.Empty(t, runner.snapshot())
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(q, &fakeRunner{}, Config{}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestWorkerContinuesAfterDequeueError(t *testing.T) {
	t.Parallel()

	q := &flakyQueue{errs: []error{errors.New("transient")}, items: []crawler.QueueItem{{SiteID: "a"}}}
	runner := &fakeRunner{}
	w := New(q, runner, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	require.Eventually(t, func() bool { return len(runner.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

type flakyQueue struct {
	mu    sync.Mutex
	errs  []error
	items []crawler.QueueItem
}

func (q *flakyQueue) Enqueue(context.Context, crawler.QueueItem) error { return nil }

func (q *flakyQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	q.mu.Lock()
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		q.mu.Unlock()
		return crawler.QueueItem{}, err
	}
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return crawler.QueueItem{}, ctx.Err()
}
