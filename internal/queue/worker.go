package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/taskerr"
)

// Handler executes one task body. The context carries the hard
// timeout; handlers must return promptly once it is done.
type Handler func(ctx context.Context, t *Task) error

// Worker runs a bounded pool of goroutines against one lane, plus a
// mover goroutine that promotes delayed tasks.
type Worker struct {
	queue       *Queue
	lane        string
	concurrency int
	handlers    map[string]Handler

	maxRetries  int
	retryDelay  time.Duration
	softTimeout time.Duration
	hardTimeout time.Duration

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewWorker builds a worker for the lane. Handlers are registered per
// task type before Run.
func NewWorker(q *Queue, lane string, concurrency int, cfg config.QueueSettings, m *metrics.Metrics, logger *zap.Logger) *Worker {
	return &Worker{
		queue:       q,
		lane:        lane,
		concurrency: concurrency,
		handlers:    make(map[string]Handler),
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		softTimeout: cfg.SoftTimeout,
		hardTimeout: cfg.HardTimeout,
		metrics:     m,
		logger:      logger.Named("worker").With(zap.String("lane", lane)),
	}
}

// Register binds a handler to a task type.
func (w *Worker) Register(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Run blocks until the context is cancelled. Every goroutine pulls
// tasks with a short blocking pop so shutdown is bounded.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				task, err := w.queue.Dequeue(gctx, w.lane, 2*time.Second)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					w.logger.Error("dequeue_failed", zap.Error(err))
					time.Sleep(time.Second)
					continue
				}
				if task == nil {
					continue
				}
				w.execute(gctx, task)
			}
		})
	}

	// Mover tick promotes due delayed tasks and samples queue depth.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if _, err := w.queue.MoveDue(gctx, w.lane); err != nil && gctx.Err() == nil {
					w.logger.Error("move_due_failed", zap.Error(err))
				}
				w.queue.Depth(gctx, w.lane)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// execute runs one task with the hard timeout and classifies the
// outcome for retry and metrics.
func (w *Worker) execute(ctx context.Context, task *Task) {
	handler, ok := w.handlers[task.Type]
	if !ok {
		w.logger.Error("unknown_task_type", zap.String("type", task.Type), zap.String("id", task.ID))
		w.metrics.TasksExecutedTotal.WithLabelValues(task.Type, "unknown").Inc()
		return
	}

	task.Attempts++
	log := w.logger.With(
		zap.String("type", task.Type),
		zap.String("id", task.ID),
		zap.Int("attempt", task.Attempts))

	taskCtx, cancel := context.WithTimeout(ctx, w.hardTimeout)
	defer cancel()

	start := time.Now()
	err := handler(taskCtx, task)
	elapsed := time.Since(start)

	if elapsed > w.softTimeout {
		log.Warn("task_slow", zap.Duration("elapsed", elapsed))
	}

	if err == nil {
		w.metrics.TasksExecutedTotal.WithLabelValues(task.Type, "ok").Inc()
		log.Debug("task_done", zap.Duration("elapsed", elapsed))
		return
	}

	// A Retry-After carried by the error overrides the default delay
	// and makes an otherwise terminal block worth one more attempt.
	retryAfter := taskerr.RetryAfterOf(err)
	if (taskerr.IsRetryable(err) || retryAfter > 0) && task.Attempts <= w.maxRetries {
		delay := w.retryDelay
		if retryAfter > 0 {
			delay = retryAfter
		}
		w.metrics.TasksExecutedTotal.WithLabelValues(task.Type, "retry").Inc()
		log.Warn("task_retry", zap.Duration("delay", delay), zap.Error(err))
		if qerr := w.queue.EnqueueIn(ctx, w.lane, task, delay); qerr != nil {
			log.Error("retry_enqueue_failed", zap.Error(qerr))
		}
		return
	}

	w.metrics.TasksExecutedTotal.WithLabelValues(task.Type, "failed").Inc()
	log.Error("task_failed", zap.Error(err), zap.String("kind", fmt.Sprint(taskerr.KindOf(err))))
}
