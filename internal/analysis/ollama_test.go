package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/dossier/internal/bundle"
	"github.com/kalambet/dossier/internal/source"
)

func testBundle() bundle.Bundle {
	return bundle.Bundle{
		Subject:          "BTC",
		AggregateQuality: 85,
		PerKind: map[source.Kind]bundle.Item{
			source.KindPricing: {Value: json.RawMessage(`{"usd":65000}`), Quality: 100, AgeMs: 1200},
		},
		Missing:     []source.Kind{source.KindResearch},
		GeneratedAt: time.Now().UTC(),
	}
}

func TestOllamaAnalyze(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Role: "assistant", Content: "solid accumulation setup"}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mistral-nemo", time.Second)

	result, err := p.Analyze(context.Background(), testBundle())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "solid accumulation setup" {
		t.Errorf("result = %q", result)
	}

	if p.Mode() != ModeInline {
		t.Errorf("mode = %q, want inline", p.Mode())
	}
	if gotReq.Model != "mistral-nemo" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("inline analysis must not stream")
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v, want system + user", gotReq.Messages)
	}
	if !strings.Contains(gotReq.Messages[1].Content, "Subject: BTC") {
		t.Error("user message should carry the rendered bundle")
	}
}

func TestOllamaAnalyzeBudgetExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Content: "too late"}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mistral-nemo", 20*time.Millisecond)

	if _, err := p.Analyze(context.Background(), testBundle()); err == nil {
		t.Fatal("expected error when the budget is exceeded, got nil")
	}
}

func TestOllamaAnalyzeEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mistral-nemo", time.Second)

	if _, err := p.Analyze(context.Background(), testBundle()); err == nil {
		t.Fatal("expected error for empty model output, got nil")
	}
}

func TestOllamaAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mistral-nemo", time.Second)

	if _, err := p.Analyze(context.Background(), testBundle()); err == nil {
		t.Fatal("expected error for 500 response, got nil")
	}
}
