package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/dossier/internal/analysis"
	"github.com/kalambet/dossier/internal/bundle"
	"github.com/kalambet/dossier/internal/storage"
)

// JobStore is the slice of the store the job layer needs.
type JobStore interface {
	ClaimDueJob(providerMode string) (*storage.Job, error)
	GetJob(id string) (storage.Job, error)
	StartJob(id string) error
	UpdateJobProgress(id, text string) error
	CompleteJob(id, result string) error
	FailJob(id string, errMsg string) error
}

// BundleSource rebuilds a subject's context from the cache store. The runner
// always goes through this at execution time: the worker may run in a
// different process than the request that created the job, so nothing may be
// carried over in memory.
type BundleSource interface {
	Aggregate(subject string) (bundle.Bundle, error)
}

// Runner executes one analysis job end to end against a provider. Shared by
// the background worker and the inline path so both produce identical records.
type Runner struct {
	store    JobStore
	bundles  BundleSource
	provider analysis.Provider
	logger   *slog.Logger
}

// NewRunner creates a Runner bound to one provider.
func NewRunner(store JobStore, bundles BundleSource, provider analysis.Provider) *Runner {
	return &Runner{
		store:    store,
		bundles:  bundles,
		provider: provider,
		logger:   slog.Default(),
	}
}

// Execute runs a claimed (running) job to a terminal state. Provider failures
// go through FailJob, which requeues with backoff while attempts remain.
// Cancellation is cooperative: the job row is re-read at each checkpoint and
// a cancelled status stops the work; past the last checkpoint the provider
// call finishes and its result is discarded by the status-guarded complete.
func (r *Runner) Execute(ctx context.Context, job *storage.Job) error {
	if cancelled, err := r.isCancelled(job.ID); err != nil || cancelled {
		return err
	}

	if err := r.store.UpdateJobProgress(job.ID, "rebuilding context from cache"); err != nil {
		return fmt.Errorf("updating progress for job %s: %w", job.ID, err)
	}

	b, err := r.bundles.Aggregate(job.Subject)
	if err != nil {
		return r.failAttempt(job.ID, fmt.Errorf("aggregating context: %w", err))
	}

	if cancelled, err := r.isCancelled(job.ID); err != nil || cancelled {
		return err
	}

	progress := fmt.Sprintf("analyzing %s (context quality %d)", job.Subject, b.AggregateQuality)
	if err := r.store.UpdateJobProgress(job.ID, progress); err != nil {
		return fmt.Errorf("updating progress for job %s: %w", job.ID, err)
	}

	result, err := r.provider.Analyze(ctx, b)
	if err != nil {
		return r.failAttempt(job.ID, fmt.Errorf("provider: %w", err))
	}

	// Last checkpoint passed; if the job was cancelled meanwhile, CompleteJob
	// is a no-op and the result is simply dropped.
	if err := r.store.CompleteJob(job.ID, result); err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return nil
}

// failAttempt records the error against the job's retry budget. The job goes
// back to queued with backoff, or terminally failed once attempts run out.
func (r *Runner) failAttempt(id string, cause error) error {
	r.logger.Warn("job attempt failed", "job_id", id, "error", cause)
	if err := r.store.FailJob(id, cause.Error()); err != nil {
		return fmt.Errorf("recording failure for job %s: %w", id, err)
	}
	return nil
}

func (r *Runner) isCancelled(id string) (bool, error) {
	job, err := r.store.GetJob(id)
	if err != nil {
		return false, fmt.Errorf("checking cancellation for job %s: %w", id, err)
	}
	if job.Status == storage.JobCancelled {
		r.logger.Info("job cancelled, stopping early", "job_id", id)
		return true, nil
	}
	return false, nil
}

// RunInline executes a freshly created queued job synchronously and returns
// its terminal record. Used for inline-mode providers; the provider's own
// wall-clock budget keeps the call below the caller's timeout.
func (r *Runner) RunInline(ctx context.Context, jobID string) (storage.Job, error) {
	if err := r.store.StartJob(jobID); err != nil {
		return storage.Job{}, fmt.Errorf("starting job %s: %w", jobID, err)
	}

	job, err := r.store.GetJob(jobID)
	if err != nil {
		return storage.Job{}, err
	}

	if err := r.Execute(ctx, &job); err != nil {
		return storage.Job{}, err
	}
	return r.store.GetJob(jobID)
}
