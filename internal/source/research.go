package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	maxReportSize    = 20 << 20 // 20MB
	excerptRuneLimit = 4000
)

// ResearchAdapter downloads the latest published research report for the
// subject as a PDF and extracts its plain text. The excerpt is raw material
// for the analysis provider; no interpretation happens here.
type ResearchAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewResearchAdapter creates a ResearchAdapter targeting the given report base URL.
func NewResearchAdapter(baseURL string, client *http.Client) *ResearchAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &ResearchAdapter{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

func (a *ResearchAdapter) Kind() Kind { return KindResearch }

func (a *ResearchAdapter) Fetch(ctx context.Context, subject string) (Payload, error) {
	u := fmt.Sprintf("%s/reports/%s/latest.pdf", a.baseURL, url.PathEscape(strings.ToLower(subject)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("creating request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Payload{}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
	if err != nil {
		return Payload{}, fmt.Errorf("reading report: %w", err)
	}

	excerpt, pages, err := extractReportText(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("extracting report text: %w", err)
	}

	fields := 1 // pages
	if excerpt != "" {
		fields++
	}
	value, err := json.Marshal(map[string]any{
		"pages":   pages,
		"excerpt": excerpt,
	})
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling research payload: %w", err)
	}
	return Payload{Value: value, Fields: fields, Expect: 2}, nil
}

// extractReportText pulls plain text out of a PDF, truncated to a bounded
// excerpt so cache rows stay small.
func extractReportText(raw []byte) (string, int, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", 0, fmt.Errorf("opening pdf: %w", err)
	}

	textReader, err := r.GetPlainText()
	if err != nil {
		return "", 0, fmt.Errorf("reading pdf text: %w", err)
	}
	var b strings.Builder
	if _, err := io.Copy(&b, textReader); err != nil {
		return "", 0, fmt.Errorf("copying pdf text: %w", err)
	}

	text := strings.TrimSpace(b.String())
	if runes := []rune(text); len(runes) > excerptRuneLimit {
		text = string(runes[:excerptRuneLimit])
	}
	return text, r.NumPage(), nil
}
