package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/metrics"
	"github.com/emperorhan/deposit-reconciler/internal/retry"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReceiveBackoff = time.Second
	maxReceiveBackoff     = 30 * time.Second
)

type WorkerConfig struct {
	// Backend labels metrics and logs, e.g. "redis".
	Backend string
	// Concurrency is the number of consumer loops. Each loop handles one
	// task at a time.
	Concurrency int
	// ReceiveBackoff is the initial pause after a failed Receive.
	ReceiveBackoff time.Duration
	// OnUnhealthy is called once each time the worker turns unhealthy.
	OnUnhealthy func(HealthSnapshot)
}

// Worker pulls tasks from a TaskSource and runs the handler on each.
// A nil handler error acks the task, any other error fails it. Tasks
// interrupted by shutdown are neither acked nor failed.
type Worker struct {
	source  TaskSource
	handler Handler
	cfg     WorkerConfig
	health  *Health
	logger  *slog.Logger
}

func NewWorker(source TaskSource, handler Handler, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = defaultReceiveBackoff
	}
	if cfg.Backend == "" {
		cfg.Backend = "unknown"
	}
	return &Worker{
		source:  source,
		handler: handler,
		cfg:     cfg,
		health:  NewHealth(cfg.Backend),
		logger:  logger.With("component", "worker", "backend", cfg.Backend),
	}
}

func (w *Worker) Health() *Health { return w.health }

// Run blocks until ctx is done or the source is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		loopID := i
		g.Go(func() error {
			return w.loop(gCtx, loopID)
		})
	}
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, loopID int) error {
	log := w.logger.With("loop", loopID)
	backoff := w.cfg.ReceiveBackoff

	for {
		task, err := w.source.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			log.Warn("receive task failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxReceiveBackoff)
			continue
		}
		backoff = w.cfg.ReceiveBackoff
		if task == nil {
			continue
		}
		w.process(ctx, log, task)
	}
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, task *Task) {
	log = log.With("order_id", task.OrderID, "task_id", task.ID, "attempt", task.Attempt)
	start := time.Now()

	err := w.invoke(ctx, task)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutdown interrupted the task. Leave it for redelivery.
		metrics.QueueTasksTotal.WithLabelValues(w.cfg.Backend, "interrupted").Inc()
		log.Info("task interrupted by shutdown")
		return
	}

	// Ack/Fail must reach the backend even while shutting down.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		if ackErr := w.source.Ack(settleCtx, task); ackErr != nil {
			log.Error("ack task failed", "error", ackErr)
		}
		metrics.QueueTasksTotal.WithLabelValues(w.cfg.Backend, "acked").Inc()
		if w.health.RecordSuccess(elapsed) {
			log.Info("worker recovered")
		}
		log.Debug("task acked", "elapsed", elapsed.String())
		return
	}

	decision := retry.Classify(err)
	metrics.QueueTasksTotal.WithLabelValues(w.cfg.Backend, "failed").Inc()
	metrics.QueueTaskFailures.WithLabelValues(w.cfg.Backend, string(decision.Class)).Inc()
	log.Warn("task failed",
		"error", err,
		"class", decision.Class,
		"reason", decision.Reason,
		"elapsed", elapsed.String(),
	)
	if failErr := w.source.Fail(settleCtx, task, err); failErr != nil {
		log.Error("fail task failed", "error", failErr)
	}
	if w.health.RecordFailure(elapsed, err) {
		snap := w.health.Snapshot()
		log.Error("worker unhealthy", "consecutive_failures", snap.ConsecutiveFailures)
		if w.cfg.OnUnhealthy != nil {
			w.cfg.OnUnhealthy(snap)
		}
	}
}

// invoke runs the handler, converting a panic into an error.
func (w *Worker) invoke(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panic", "order_id", task.OrderID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, task.OrderID)
}
