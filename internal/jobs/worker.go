package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/dossier/internal/analysis"
)

// Worker drains queued background analysis jobs from the jobs table. Any
// instance can run one; the status-guarded claim keeps concurrent workers
// from doubling up on a job.
type Worker struct {
	store  JobStore
	runner *Runner
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker executing jobs against the given background provider.
// If pollInterval is <= 0, it defaults to 1s.
func NewWorker(store JobStore, bundles BundleSource, provider analysis.Provider, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		store:  store,
		runner: NewRunner(store, bundles, provider),
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and executes a single due background job.
// Returns true if a job was claimed (regardless of its outcome).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimDueJob(string(analysis.ModeBackground))
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.logger.Info("executing analysis job", "job_id", job.ID, "subject", job.Subject, "attempt", job.Attempts+1)
	if err := w.runner.Execute(ctx, job); err != nil {
		return true, err
	}
	return true, nil
}
