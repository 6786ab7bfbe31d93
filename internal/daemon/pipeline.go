package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"catsift/internal/catalog"
	"catsift/internal/cluster"
	"catsift/internal/config"
	"catsift/internal/ledger"
	"catsift/internal/notifications"
	"catsift/internal/services/listing"
	"catsift/internal/services/lookalike"
	"catsift/internal/services/similarity"
	"catsift/internal/services/tagging"
	"catsift/internal/stages"
	"catsift/internal/storage"
	"catsift/internal/worker"
	"catsift/internal/workqueue"
)

// Pipeline assembles the stage workers and the recovery janitor over the
// shared database.
type Pipeline struct {
	workers []*worker.Worker
	janitor *worker.Janitor

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewPipeline wires collaborator clients, stage handlers, and workers from
// configuration.
func NewPipeline(cfg *config.Config, db *storage.DB, logger *slog.Logger) (*Pipeline, error) {
	tasks := ledger.NewStore(db, ledger.Options{
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		RetryBackoff: time.Duration(cfg.Pipeline.RetryBackoffSeconds) * time.Second,
	})
	queue := workqueue.New(db)
	products := catalog.NewStore(db)
	engine := cluster.NewEngine(db, cluster.Options{
		ScoreThreshold:  cfg.Pipeline.ScoreThreshold,
		ConflictRetries: cfg.Pipeline.AssignConflictRetries,
	})

	notifier := notifications.NewService(cfg)
	recency := time.Duration(cfg.Pipeline.RecencyWindowDays) * 24 * time.Hour
	handlers := []struct {
		handler     stages.Handler
		concurrency int
	}{
		{stages.NewIngest(listing.New(cfg.Listing), products, recency, logger), cfg.Pipeline.IngestWorkers},
		{stages.NewEnrich(tagging.New(cfg.Tagging), lookalike.New(cfg.Lookalike), products, logger), cfg.Pipeline.EnrichWorkers},
		{stages.NewCluster(similarity.New(cfg.Similarity), engine, products, logger), cfg.Pipeline.ClusterWorkers},
	}

	pipeline := &Pipeline{
		janitor: worker.NewJanitor(
			tasks,
			time.Duration(cfg.Pipeline.StaleClaimSeconds)*time.Second,
			time.Duration(cfg.Pipeline.ReconcileSeconds)*time.Second,
			logger,
		),
	}
	for _, entry := range handlers {
		w, err := worker.New(queue, tasks, products, entry.handler, logger, worker.Options{
			Concurrency:  entry.concurrency,
			PollInterval: time.Duration(cfg.Pipeline.QueuePollSeconds) * time.Second,
			Lease:        time.Duration(cfg.Pipeline.LeaseSeconds) * time.Second,
			Notifier:     notifier,
		})
		if err != nil {
			return nil, fmt.Errorf("build %s worker: %w", entry.handler.Stage(), err)
		}
		pipeline.workers = append(pipeline.workers, w)
	}
	return pipeline, nil
}

// Start launches the workers and the janitor.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, w := range p.workers {
		w := w
		p.done.Add(1)
		go func() {
			defer p.done.Done()
			_ = w.Run(runCtx)
		}()
	}
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		_ = p.janitor.Run(runCtx)
	}()
}

// Stop cancels the workers and waits for in-flight tasks to drain.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.done.Wait()
}
