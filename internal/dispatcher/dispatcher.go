// Package dispatcher fans queued sitemap builds out to a fixed set of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/worker"
)

// Dispatcher owns the queue and the workers that drain it. The number of
// workers bounds how many builds run at once.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool builds n workers sharing runner and cfg.
func NewPool(queue crawler.Queue, runner worker.Runner, n int, cfg worker.Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, n)
	for i := range n {
		workers = append(workers, worker.New(queue, runner, cfg, logger.With(zap.Int("worker", i))))
	}
	return New(queue, workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Workers reports the pool size.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}
