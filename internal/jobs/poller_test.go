package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/dossier/internal/storage"
)

func TestPollReturnsCurrentState(t *testing.T) {
	s := openTestStore(t)
	createJob(t, s, "job-1", "background", 3)

	p := NewPoller(s, 10*time.Millisecond)

	job, err := p.Poll("job-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.Status != storage.JobQueued {
		t.Errorf("status = %q, want queued", job.Status)
	}
}

func TestPollMissingJob(t *testing.T) {
	s := openTestStore(t)
	p := NewPoller(s, 10*time.Millisecond)

	_, err := p.Poll("nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPollIdempotentOnTerminalJob(t *testing.T) {
	s := openTestStore(t)
	createJob(t, s, "job-1", "background", 3)
	if err := s.CompleteJob("job-1", "final"); err != nil {
		t.Fatal(err)
	}

	p := NewPoller(s, 10*time.Millisecond)

	first, err := p.Poll("job-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Poll("job-1")
	if err != nil {
		t.Fatal(err)
	}

	if first.Status != second.Status || first.Result != second.Result {
		t.Errorf("repeated polls diverged: %+v vs %+v", first, second)
	}
}

func TestWaitReturnsOnTerminal(t *testing.T) {
	s := openTestStore(t)
	createJob(t, s, "job-1", "background", 3)

	p := NewPoller(s, 10*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.CompleteJob("job-1", "late but done")
	}()

	job, err := p.Wait(context.Background(), "job-1", time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
}

func TestWaitTimesOut(t *testing.T) {
	s := openTestStore(t)
	createJob(t, s, "job-1", "background", 3)

	p := NewPoller(s, 10*time.Millisecond)

	job, err := p.Wait(context.Background(), "job-1", 50*time.Millisecond)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err = %v, want ErrPollTimeout", err)
	}
	// The last-seen record comes back so the caller can show progress.
	if job.ID != "job-1" {
		t.Errorf("job id = %q, want last-seen record", job.ID)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	s := openTestStore(t)
	createJob(t, s, "job-1", "background", 3)

	p := NewPoller(s, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Wait(ctx, "job-1", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
