// Package tasks drains the suggestion task queue.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sitegraph/backend/internal/cache/redis"
	"github.com/sitegraph/backend/internal/metrics"
	"github.com/sitegraph/backend/internal/storage/models"
	"github.com/sitegraph/backend/internal/suggest"
)

type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*redis.Task, error)
	MarkRunning(ctx context.Context, task *redis.Task) error
	Complete(ctx context.Context, task *redis.Task, generated int, taskErr error) error
}

type Generator interface {
	Regenerate(ctx context.Context, siteID string) (*suggest.Result, error)
}

type Config struct {
	Workers     int
	PollTimeout time.Duration
	// TaskTimeout bounds a single generation run.
	TaskTimeout time.Duration
	// BusyRetries is how often a task waits for an inline generation holding
	// the site lock before it gives up.
	BusyRetries int
	BusyDelay   time.Duration
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      2,
		PollTimeout:  5 * time.Second,
		TaskTimeout:  10 * time.Minute,
		BusyRetries:  3,
		BusyDelay:    5 * time.Second,
		ErrorBackoff: time.Second,
	}
}

type Worker struct {
	queue     Queue
	generator Generator
	cfg       Config
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewWorker(queue Queue, generator Generator, cfg Config, logger *zap.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = def.BusyDelay
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Run blocks until ctx is cancelled, with cfg.Workers consumers pulling
// from the queue.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Task workers starting", zap.Int("workers", w.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			w.loop(gctx, id)
			return nil
		})
	}
	err := g.Wait()

	w.logger.Info("Task workers stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		if _, err := w.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to dequeue task", zap.Int("worker", id), zap.Error(err))
			_ = w.sleep(ctx, w.cfg.ErrorBackoff)
		}
	}
}

// ProcessNext handles at most one task. It reports whether a task was taken.
// Task failures are recorded on the task, not returned.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	w.handle(ctx, task)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, task *redis.Task) {
	log := w.logger.With(zap.String("task_id", task.ID), zap.String("site_id", task.SiteID))
	start := time.Now()

	// Status writes outlive a shutdown that interrupts the run.
	statusCtx := context.WithoutCancel(ctx)

	if err := w.queue.MarkRunning(statusCtx, task); err != nil {
		log.Warn("Failed to mark task running", zap.Error(err))
	}

	generated, runErr := w.run(ctx, task)

	status := "completed"
	if runErr != nil {
		status = "failed"
		log.Error("Task failed", zap.Error(runErr), zap.Duration("duration", time.Since(start)))
	} else {
		log.Info("Task completed", zap.Int("generated", generated), zap.Duration("duration", time.Since(start)))
	}
	metrics.TasksProcessed.WithLabelValues(status).Inc()

	if err := w.queue.Complete(statusCtx, task, generated, runErr); err != nil {
		log.Error("Failed to record task result", zap.Error(err))
	}
}

func (w *Worker) run(ctx context.Context, task *redis.Task) (int, error) {
	if task.Kind != redis.TaskKindSuggestions {
		return 0, fmt.Errorf("unknown task kind %q", task.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		res, err := w.generator.Regenerate(ctx, task.SiteID)
		if err == nil {
			return res.TotalGenerated, nil
		}
		if !errors.Is(err, models.ErrGenerationInProgress) || attempt >= w.cfg.BusyRetries {
			return 0, err
		}

		w.logger.Debug("Site generation busy, waiting",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
		)
		if err := w.sleep(ctx, w.cfg.BusyDelay); err != nil {
			return 0, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
