package worker

import (
	"context"
	"log/slog"
	"time"

	"catsift/internal/ledger"
	"catsift/internal/logging"
)

// Janitor runs the two recovery passes on a timer: returning stale claims to
// pending and repairing succeeded tasks whose successor never got enqueued.
// It also runs both once at startup so a crashed daemon heals immediately.
type Janitor struct {
	tasks      *ledger.Store
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
}

// NewJanitor builds the recovery loop.
func NewJanitor(tasks *ledger.Store, staleAfter, interval time.Duration, logger *slog.Logger) *Janitor {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		tasks:      tasks,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logging.NewComponentLogger(logger, "janitor"),
	}
}

// Run sweeps until the context is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	reclaimed, err := j.tasks.ReclaimStale(ctx, time.Now().Add(-j.staleAfter))
	if err != nil {
		j.logger.ErrorContext(ctx, "stale claim sweep failed", logging.Error(err))
	} else if reclaimed > 0 {
		j.logger.WarnContext(ctx, "reclaimed stale tasks", logging.Int64("count", reclaimed))
	}

	repaired, err := j.tasks.Reconcile(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "reconcile pass failed", logging.Error(err))
	} else if repaired > 0 {
		j.logger.WarnContext(ctx, "repaired missing successor tasks", logging.Int64("count", repaired))
	}
}
