package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/dossier/internal/storage"
)

// ErrPollTimeout means the poller gave up waiting. The job itself may still
// be running and complete later; callers should treat this as "unknown, poll
// again", never as a job failure.
var ErrPollTimeout = errors.New("analysis still in progress")

// JobReader is the read-only slice of the store the poller needs.
type JobReader interface {
	GetJob(id string) (storage.Job, error)
}

// Poller reads job state for callers. Thin by design: the jobs table is the
// single source of truth, so polling is just a repeated read, idempotent on
// terminal jobs.
type Poller struct {
	store    JobReader
	interval time.Duration
}

// NewPoller creates a Poller. If interval is <= 0, it defaults to 2s.
func NewPoller(store JobReader, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{store: store, interval: interval}
}

// Poll returns the current job record.
func (p *Poller) Poll(id string) (storage.Job, error) {
	return p.store.GetJob(id)
}

// Wait polls until the job reaches a terminal state or timeout elapses. On
// timeout the last-seen record is returned together with ErrPollTimeout.
func (p *Poller) Wait(ctx context.Context, id string, timeout time.Duration) (storage.Job, error) {
	deadline := time.Now().Add(timeout)

	var last storage.Job
	for {
		job, err := p.store.GetJob(id)
		if err != nil {
			return storage.Job{}, err
		}
		last = job
		if storage.TerminalStatus(job.Status) {
			return job, nil
		}

		if time.Now().After(deadline) {
			return last, ErrPollTimeout
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(p.interval):
		}
	}
}
