// Package orchestrator sequences a full analysis request: collect phases,
// gate on aggregate quality, create the job, and run or queue it depending
// on the provider's mode.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/dossier/internal/analysis"
	"github.com/kalambet/dossier/internal/bundle"
	"github.com/kalambet/dossier/internal/collector"
	"github.com/kalambet/dossier/internal/jobs"
	"github.com/kalambet/dossier/internal/source"
	"github.com/kalambet/dossier/internal/storage"
)

// PhaseRunner collects one phase for a subject.
type PhaseRunner interface {
	Collect(ctx context.Context, subject, phase string) (collector.Report, error)
}

// Aggregator builds the context bundle for a subject.
type Aggregator interface {
	Aggregate(subject string) (bundle.Bundle, error)
}

// JobStore is the slice of the store the orchestrator needs.
type JobStore interface {
	CreateJob(job storage.Job) error
	ActiveJob(subject, scope string) (storage.Job, error)
	GetJob(id string) (storage.Job, error)
}

// Response is the structured outcome of one analysis request. Exactly one of
// the two branches is populated: an insufficient-data rejection (with enough
// detail to decide whether to retry) or a job record.
type Response struct {
	InsufficientData bool          `json:"insufficient_data,omitempty"`
	Quality          int           `json:"quality"`
	Missing          []source.Kind `json:"missing,omitempty"`
	Job              *storage.Job  `json:"job,omitempty"`
}

// Options tune the orchestrator.
type Options struct {
	GateThreshold int           // minimum aggregate quality; default 70
	MaxAttempts   int           // provider retry budget for background jobs; default 3
	ResultTTL     time.Duration // job record lifetime; default 24h
	Scope         string
}

// Orchestrator is the top-level sequencer. The gate is structural: the
// analysis step can only be reached after the phase collections have returned,
// never on a timer.
type Orchestrator struct {
	phases   PhaseRunner
	agg      Aggregator
	store    JobStore
	runner   *jobs.Runner
	provider analysis.Provider
	opts     Options
	logger   *slog.Logger
}

// New creates an Orchestrator for one provider. runner executes inline-mode
// jobs; background-mode jobs are left queued for a worker to claim.
func New(phases PhaseRunner, agg Aggregator, store JobStore, runner *jobs.Runner, provider analysis.Provider, opts Options) *Orchestrator {
	if opts.GateThreshold <= 0 {
		opts.GateThreshold = 70
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 24 * time.Hour
	}
	return &Orchestrator{
		phases:   phases,
		agg:      agg,
		store:    store,
		runner:   runner,
		provider: provider,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// GatePasses is the gate predicate on its own: quality against threshold,
// nothing else.
func (o *Orchestrator) GatePasses(quality int) bool {
	return quality >= o.opts.GateThreshold
}

// RequestAnalysis runs the full sequence for a subject. Collection failures
// are tolerated (they only lower the aggregate quality); the gate decides
// whether a job is created at all.
func (o *Orchestrator) RequestAnalysis(ctx context.Context, subject string) (Response, error) {
	for _, phase := range collector.Phases() {
		report, err := o.phases.Collect(ctx, subject, phase)
		if err != nil {
			return Response{}, fmt.Errorf("collecting phase %s: %w", phase, err)
		}
		if failed := report.Failed(); len(failed) > 0 {
			o.logger.Debug("phase finished with failures", "subject", subject, "phase", phase, "failed", failed)
		}
	}

	b, err := o.agg.Aggregate(subject)
	if err != nil {
		return Response{}, fmt.Errorf("aggregating context: %w", err)
	}

	if !o.GatePasses(b.AggregateQuality) {
		o.logger.Info("analysis gated: insufficient data",
			"subject", subject, "quality", b.AggregateQuality, "threshold", o.opts.GateThreshold)
		return Response{
			InsufficientData: true,
			Quality:          b.AggregateQuality,
			Missing:          b.Missing,
		}, nil
	}

	job, reused, err := o.createJob(subject)
	if err != nil {
		return Response{}, err
	}

	// A reused job is already executing under the caller that created it;
	// starting it again would trip the queued-only guard. Both callers get the
	// same record and poll it to the same terminal state.
	if o.provider.Mode() == analysis.ModeInline && !reused {
		terminal, err := o.runner.RunInline(ctx, job.ID)
		if err != nil {
			return Response{}, fmt.Errorf("running inline job %s: %w", job.ID, err)
		}
		return Response{Quality: b.AggregateQuality, Job: &terminal}, nil
	}

	return Response{Quality: b.AggregateQuality, Job: &job}, nil
}

// createJob inserts the queued job row, converging on the existing job when
// the subject already has one in flight. The second return reports whether an
// in-flight job was reused instead of inserted.
func (o *Orchestrator) createJob(subject string) (storage.Job, bool, error) {
	maxAttempts := o.opts.MaxAttempts
	if o.provider.Mode() == analysis.ModeInline {
		// Inline jobs fail immediately on error; the caller resubmits explicitly.
		maxAttempts = 1
	}

	job := storage.Job{
		ID:           uuid.New().String(),
		Subject:      subject,
		Scope:        o.opts.Scope,
		ProviderMode: string(o.provider.Mode()),
		Progress:     "queued",
		MaxAttempts:  maxAttempts,
		ExpiresAt:    time.Now().UTC().Add(o.opts.ResultTTL),
	}

	err := o.store.CreateJob(job)
	if errors.Is(err, storage.ErrJobConflict) {
		existing, lookupErr := o.store.ActiveJob(subject, o.opts.Scope)
		if lookupErr != nil {
			// The conflicting job finished between insert and lookup; retry once.
			if errors.Is(lookupErr, storage.ErrNotFound) {
				if retryErr := o.store.CreateJob(job); retryErr == nil {
					inserted, getErr := o.store.GetJob(job.ID)
					return inserted, false, getErr
				}
			}
			return storage.Job{}, false, fmt.Errorf("resolving job conflict for %s: %w", subject, lookupErr)
		}
		o.logger.Info("reusing in-flight job", "subject", subject, "job_id", existing.ID)
		return existing, true, nil
	}
	if err != nil {
		return storage.Job{}, false, fmt.Errorf("creating job for %s: %w", subject, err)
	}
	inserted, getErr := o.store.GetJob(job.ID)
	return inserted, false, getErr
}
