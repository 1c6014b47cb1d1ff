// Package memory provides the in-process job queue that feeds sitemap
// builds to the dispatcher.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = crawler.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan crawler.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, blocking while the queue is full until ctx ends
// or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.QueueItem{}, ErrClosed
	case item := <-q.ch:
		return item, nil
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Items still buffered are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
