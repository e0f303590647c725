package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/dossier/internal/bundle"
	"github.com/kalambet/dossier/internal/collector"
	"github.com/kalambet/dossier/internal/jobs"
	"github.com/kalambet/dossier/internal/orchestrator"
	"github.com/kalambet/dossier/internal/source"
	"github.com/kalambet/dossier/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Orchestrator runs the full collect-gate-analyze sequence.
type Orchestrator interface {
	RequestAnalysis(ctx context.Context, subject string) (orchestrator.Response, error)
}

// PhaseCollector collects one phase on demand.
type PhaseCollector interface {
	Collect(ctx context.Context, subject, phase string) (collector.Report, error)
}

// ContextAggregator builds the context bundle for a subject.
type ContextAggregator interface {
	Aggregate(subject string) (bundle.Bundle, error)
}

// JobAccess is the job store slice the handlers need.
type JobAccess interface {
	GetJob(id string) (storage.Job, error)
	CancelJob(id string) error
}

// Deps holds the API layer dependencies.
type Deps struct {
	Orchestrator Orchestrator
	Collector    PhaseCollector
	Aggregator   ContextAggregator
	Jobs         JobAccess
	Poller       *jobs.Poller
	Token        string
}

// NewHandler builds the chi router for the management API. All routes except
// /health require bearer auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/collect", handleCollect(deps))
		r.Get("/v1/context/{subject}", handleGetContext(deps))
		r.Post("/v1/analyze", handleAnalyze(deps))
		r.Get("/v1/jobs/{id}", handleGetJob(deps))
		r.Delete("/v1/jobs/{id}", handleCancelJob(deps))
	})

	return r
}

type collectRequest struct {
	Subject string `json:"subject"`
	Phase   string `json:"phase"`
}

type kindOutcome struct {
	Kind      source.Kind    `json:"kind"`
	Outcome   source.Outcome `json:"outcome"`
	LatencyMs int64          `json:"latency_ms"`
	Error     string         `json:"error,omitempty"`
}

func handleCollect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req collectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Subject == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "subject is required")
			return
		}
		if req.Phase == "" {
			req.Phase = collector.PhaseCritical
		}
		if _, ok := collector.PhaseKinds(req.Phase); !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown phase %q", req.Phase)
			return
		}

		report, err := deps.Collector.Collect(r.Context(), req.Subject, req.Phase)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "collection failed: %v", err)
			return
		}

		outcomes := make([]kindOutcome, len(report.Results))
		for i, res := range report.Results {
			outcomes[i] = kindOutcome{
				Kind:      res.Kind,
				Outcome:   res.Outcome,
				LatencyMs: res.Latency.Milliseconds(),
				Error:     res.Err,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject":  report.Subject,
			"phase":    report.Phase,
			"per_kind": outcomes,
		})
	}
}

func handleGetContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject := chi.URLParam(r, "subject")

		b, err := deps.Aggregator.Aggregate(subject)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "aggregation failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

type analyzeRequest struct {
	Subject string `json:"subject"`
}

func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Subject == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "subject is required")
			return
		}

		resp, err := deps.Orchestrator.RequestAnalysis(r.Context(), req.Subject)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "analysis request failed: %v", err)
			return
		}

		if resp.InsufficientData {
			writeJSON(w, http.StatusOK, map[string]any{
				"insufficient_data": true,
				"quality":           resp.Quality,
				"missing":           resp.Missing,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"quality": resp.Quality,
			"job":     jobView(*resp.Job),
		})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		wait, err := parseWait(r.URL.Query().Get("wait"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid wait parameter: %v", err)
			return
		}

		var job storage.Job
		if wait > 0 {
			job, err = deps.Poller.Wait(r.Context(), id, wait)
			if errors.Is(err, jobs.ErrPollTimeout) {
				// Not a failure: the job may still complete. 202 tells the
				// caller to poll again.
				writeJSON(w, http.StatusAccepted, jobView(job))
				return
			}
		} else {
			job, err = deps.Poller.Poll(id)
		}
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

func handleCancelJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Jobs.CancelJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
			return
		}

		job, err := deps.Jobs.GetJob(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

// JobView is the wire shape of a job record.
type JobView struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	ProviderMode string `json:"provider_mode"`
	Status       string `json:"status"`
	Progress     string `json:"progress,omitempty"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	Attempts     int    `json:"attempts"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	ExpiresAt    string `json:"expires_at"`
}

func jobView(j storage.Job) JobView {
	return JobView{
		ID:           j.ID,
		Subject:      j.Subject,
		ProviderMode: j.ProviderMode,
		Status:       j.Status,
		Progress:     j.Progress,
		Result:       j.Result,
		Error:        j.Error,
		Attempts:     j.Attempts,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    j.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// parseWait parses the optional wait duration query parameter, capped at 120s.
func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must be positive")
	}
	const maxWait = 120 * time.Second
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
