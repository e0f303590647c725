package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/dossier/internal/bundle"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	deepAnalysisTimeout      = 300 * time.Second
	maxRateLimitRetries      = 3
	initialBackoff           = 500 * time.Millisecond
)

// OpenRouterProvider runs analysis against a remote deep model through an
// OpenRouter-compatible API. Background mode: calls can take minutes, so a
// worker drives them off the request path.
type OpenRouterProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

// NewOpenRouterProvider creates an OpenRouterProvider for the given API key and model.
func NewOpenRouterProvider(apiKey, model string) *OpenRouterProvider {
	return &OpenRouterProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultOpenRouterBaseURL,
		httpClient: &http.Client{
			Timeout: deepAnalysisTimeout,
		},
		referer: "https://github.com/kalambet/dossier",
		title:   "dossier",
	}
}

// NewOpenRouterProviderWithBaseURL creates a provider pointing at a custom base URL (for testing).
func NewOpenRouterProviderWithBaseURL(apiKey, model, baseURL string) *OpenRouterProvider {
	p := NewOpenRouterProvider(apiKey, model)
	p.baseURL = strings.TrimRight(baseURL, "/")
	return p
}

func (p *OpenRouterProvider) Mode() Mode { return ModeBackground }

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze sends the rendered bundle for completion. HTTP 429 is retried with
// exponential backoff; other failures return immediately and the job layer
// applies its own retry budget.
func (p *OpenRouterProvider) Analyze(ctx context.Context, b bundle.Bundle) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: b.Render()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRateLimitRetries {
		result, err := p.complete(ctx, body)
		if err == nil {
			return result, nil
		}

		if !isRateLimit(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxRateLimitRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("rate limited after %d retries: %w", maxRateLimitRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (p *OpenRouterProvider) complete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("HTTP-Referer", p.referer)
	req.Header.Set("X-Title", p.title)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding completion: %w", err)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty analysis from model %s", p.model)
	}
	return cr.Choices[0].Message.Content, nil
}
