// Package worker consumes queued site jobs and runs one sitemap build per job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
)

const defaultRunTimeout = 900 * time.Second

// Runner executes one sitemap build.
type Runner interface {
	Process(ctx context.Context, siteID string) error
}

// Config controls Worker behavior.
type Config struct {
	// RunTimeout is the wall-clock budget of a single build.
	RunTimeout time.Duration
}

// Worker consumes queue items and runs the build for each, at most once.
type Worker struct {
	queue  crawler.Queue
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue crawler.Queue, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, runner: runner, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued site", zap.String("site_id", item.SiteID), zap.Int("attempt", item.Attempt))
		if err := w.handle(ctx, item); err != nil {
			w.logger.Warn("sitemap build failed",
				zap.String("site_id", item.SiteID),
				zap.String("message", crawler.FailureMessage(err)),
				zap.Error(err),
			)
		}
	}
}

// handle runs one build under the configured deadline. Failures are final;
// the processor has already recorded them on the site.
func (w *Worker) handle(ctx context.Context, item crawler.QueueItem) (err error) {
	if item.SiteID == "" {
		return crawler.NewProcessingError("Invalid Parameters", nil)
	}
	if w.runner == nil {
		return fmt.Errorf("no runner configured")
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("build panicked: %v", rec)
		}
	}()

	start := time.Now()
	err = w.runner.Process(runCtx, item.SiteID)
	if err == nil {
		w.logger.Info("sitemap build finished",
			zap.String("site_id", item.SiteID),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return err
}
