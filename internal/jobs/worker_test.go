package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/dossier/internal/analysis"
	"github.com/kalambet/dossier/internal/bundle"
	"github.com/kalambet/dossier/internal/storage"
)

func TestWorkerRunOnceClaimsAndExecutes(t *testing.T) {
	s := openTestStore(t)
	createJob(t, s, "job-1", "background", 3)

	provider := &fakeProvider{mode: analysis.ModeBackground, result: "done"}
	w := NewWorker(s, fakeBundles{bundle: bundle.Bundle{Subject: "BTC", AggregateQuality: 80}}, provider, time.Second)

	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !claimed {
		t.Fatal("expected the worker to claim the queued job")
	}

	job, err := s.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
}

func TestWorkerRunOnceEmptyQueue(t *testing.T) {
	s := openTestStore(t)

	provider := &fakeProvider{mode: analysis.ModeBackground}
	w := NewWorker(s, fakeBundles{}, provider, time.Second)

	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if claimed {
		t.Error("nothing to claim, got claimed = true")
	}
}

func TestWorkerIgnoresInlineJobs(t *testing.T) {
	s := openTestStore(t)
	createJob(t, s, "job-1", "inline", 1)

	provider := &fakeProvider{mode: analysis.ModeBackground, result: "wrong lane"}
	w := NewWorker(s, fakeBundles{bundle: bundle.Bundle{Subject: "BTC"}}, provider, time.Second)

	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("worker must never claim inline jobs")
	}

	job, _ := s.GetJob("job-1")
	if job.Status != storage.JobQueued {
		t.Errorf("status = %q, want untouched queued", job.Status)
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	s := openTestStore(t)

	provider := &fakeProvider{mode: analysis.ModeBackground}
	w := NewWorker(s, fakeBundles{}, provider, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
