package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"catsift/internal/catalog"
	"catsift/internal/ledger"
	"catsift/internal/logging"
	"catsift/internal/notifications"
	"catsift/internal/services"
	"catsift/internal/stages"
	"catsift/internal/workqueue"
)

const releaseDelay = 2 * time.Second

// Options tunes one stage's worker.
type Options struct {
	// Concurrency is the number of tasks processed at once.
	Concurrency int
	// PollInterval is how long to wait after draining the queue.
	PollInterval time.Duration
	// Lease is how long a delivered message stays invisible while its task
	// is being processed.
	Lease time.Duration
	// Notifier receives operator alerts. Defaults to a noop.
	Notifier notifications.Service
}

// Worker drains one stage's queue: lease a message, claim its task, run the
// handler, and resolve the task. Delivery is at-least-once; the claim step
// makes processing effectively once.
type Worker struct {
	queue    *workqueue.Queue
	tasks    *ledger.Store
	catalog  *catalog.Store
	handler  stages.Handler
	pool     *ants.Pool
	logger   *slog.Logger
	notifier notifications.Service

	pollInterval time.Duration
	lease        time.Duration
	inflight     sync.WaitGroup
}

// New builds a worker for the handler's stage.
func New(queue *workqueue.Queue, tasks *ledger.Store, store *catalog.Store, handler stages.Handler, logger *slog.Logger, opts Options) (*Worker, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.Notifier == nil {
		opts.Notifier = notifications.Noop()
	}
	pool, err := ants.NewPool(opts.Concurrency, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Worker{
		queue:        queue,
		tasks:        tasks,
		catalog:      store,
		handler:      handler,
		pool:         pool,
		logger:       logging.NewComponentLogger(logger, "worker."+string(handler.Stage())),
		notifier:     opts.Notifier,
		pollInterval: opts.PollInterval,
		lease:        opts.Lease,
	}, nil
}

// Run delivers messages until the context is canceled, then waits for
// in-flight tasks to resolve before returning.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		w.inflight.Wait()
		w.pool.Release()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		msg, err := w.queue.Lease(ctx, string(w.handler.Stage()), w.lease)
		if err != nil {
			w.logger.ErrorContext(ctx, "lease failed", logging.Error(err))
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		if msg == nil {
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		// A claimed task must still reach complete or fail when the run
		// context is canceled mid-flight, so the handler gets a context
		// that survives shutdown.
		taskCtx := context.WithoutCancel(ctx)
		w.inflight.Add(1)
		submitErr := w.pool.Submit(func() {
			defer w.inflight.Done()
			w.process(taskCtx, msg)
		})
		if submitErr != nil {
			w.inflight.Done()
			if relErr := w.queue.Release(ctx, msg.ID, releaseDelay); relErr != nil {
				w.logger.ErrorContext(ctx, "release after submit failure", logging.Error(relErr))
			}
			if errors.Is(submitErr, ants.ErrPoolClosed) {
				return nil
			}
			w.logger.ErrorContext(ctx, "submit failed", logging.Error(submitErr))
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *workqueue.Message) {
	logger := w.logger.With(
		logging.Int64(logging.FieldTaskID, msg.TaskID),
		logging.String(logging.FieldProduct, msg.ExternalID),
		logging.String(logging.FieldMarketplace, msg.Marketplace),
	)

	claimed, err := w.tasks.Claim(ctx, msg.TaskID)
	if err != nil {
		logger.ErrorContext(ctx, "claim failed", logging.Error(err))
		w.release(ctx, msg, logger)
		return
	}
	if !claimed {
		// Someone else holds or already resolved the task; this delivery
		// is superfluous.
		w.ack(ctx, msg, logger)
		return
	}

	task, err := w.tasks.GetByID(ctx, msg.TaskID)
	if err != nil || task == nil {
		logger.ErrorContext(ctx, "load claimed task", logging.Error(err))
		w.release(ctx, msg, logger)
		return
	}

	outcome, execErr := w.handler.Execute(ctx, task)
	if execErr != nil {
		w.resolveFailure(ctx, task, execErr, logger)
		w.ack(ctx, msg, logger)
		return
	}

	if err := w.tasks.Complete(ctx, task.ID, outcome.Advance, outcome.Apply); err != nil {
		if errors.Is(err, ledger.ErrNotClaimable) {
			w.ack(ctx, msg, logger)
			return
		}
		logger.ErrorContext(ctx, "complete failed", logging.Error(err))
		// The stale-claim sweep returns the task to pending if this
		// message is lost too.
		w.release(ctx, msg, logger)
		return
	}
	w.ack(ctx, msg, logger)
}

func (w *Worker) resolveFailure(ctx context.Context, task *ledger.Task, execErr error, logger *slog.Logger) {
	retryable := services.Retryable(execErr)
	status, resolved, err := w.tasks.Fail(ctx, task.ID, execErr, retryable)
	if err != nil {
		logger.ErrorContext(ctx, "record failure", logging.Error(err))
		return
	}

	if status == ledger.StatusDead {
		logger.WarnContext(ctx, "task dead-lettered",
			logging.Alert("task_dead_lettered"),
			logging.String(logging.FieldStage, string(task.Stage)),
			logging.Int(logging.FieldAttempt, resolved.Attempt),
			logging.Error(execErr),
		)
		if err := w.catalog.SetStatus(ctx, task.ExternalID, task.Marketplace, catalog.StatusFailed); err != nil {
			logger.ErrorContext(ctx, "mark product failed", logging.Error(err))
		}
		if err := w.notifier.NotifyTaskDeadLettered(ctx, task.Marketplace, task.ExternalID, string(task.Stage), execErr.Error()); err != nil {
			logger.WarnContext(ctx, "dead-letter notification failed", logging.Error(err))
		}
		return
	}

	logger.InfoContext(ctx, "task requeued after failure",
		logging.String(logging.FieldStage, string(task.Stage)),
		logging.Int(logging.FieldAttempt, resolved.Attempt),
		logging.Error(execErr),
	)
}

func (w *Worker) ack(ctx context.Context, msg *workqueue.Message, logger *slog.Logger) {
	if err := w.queue.Ack(ctx, msg.ID); err != nil {
		logger.ErrorContext(ctx, "ack failed", logging.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, msg *workqueue.Message, logger *slog.Logger) {
	if err := w.queue.Release(ctx, msg.ID, releaseDelay); err != nil {
		logger.ErrorContext(ctx, "release failed", logging.Error(err))
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.pollInterval):
		return true
	}
}
