package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/dossier/internal/bundle"
)

// OllamaProvider runs analysis against a local Ollama-compatible server.
// Inline mode: it answers within the request that created the job, under a
// hard wall-clock budget that must stay below the caller's own timeout.
type OllamaProvider struct {
	baseURL    string
	model      string
	budget     time.Duration
	httpClient *http.Client
}

// NewOllamaProvider creates an OllamaProvider. budget caps one analysis call
// (default 20s if <= 0).
func NewOllamaProvider(baseURL, model string, budget time.Duration) *OllamaProvider {
	if budget <= 0 {
		budget = 20 * time.Second
	}
	return &OllamaProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		budget:     budget,
		httpClient: &http.Client{},
	}
}

func (p *OllamaProvider) Mode() Mode { return ModeInline }

// chatMessage is a message in the Ollama chat API format.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatResponse is the JSON returned by POST /api/chat (non-streaming).
type chatResponse struct {
	Message chatMessage `json:"message"`
}

func (p *OllamaProvider) Analyze(ctx context.Context, b bundle.Bundle) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: b.Render()},
		},
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if cr.Message.Content == "" {
		return "", fmt.Errorf("empty analysis from model %s", p.model)
	}
	return cr.Message.Content, nil
}
