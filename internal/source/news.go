package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const expectedHeadlines = 10

// NewsAdapter scrapes recent headlines mentioning the subject from an HTML
// news page. It extracts anchor text from headline elements and passes the
// titles through untouched; interpreting them is the analysis provider's job.
type NewsAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewNewsAdapter creates a NewsAdapter targeting the given news site base URL.
func NewNewsAdapter(baseURL string, client *http.Client) *NewsAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &NewsAdapter{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

func (a *NewsAdapter) Kind() Kind { return KindNews }

func (a *NewsAdapter) Fetch(ctx context.Context, subject string) (Payload, error) {
	u := a.baseURL + "/search?q=" + url.QueryEscape(subject)
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

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return Payload{}, fmt.Errorf("parsing news page: %w", err)
	}

	headlines := extractHeadlines(doc, expectedHeadlines)
	if len(headlines) == 0 {
		return Payload{}, fmt.Errorf("no headlines found for %q", subject)
	}

	value, err := json.Marshal(map[string]any{"headlines": headlines})
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling news payload: %w", err)
	}
	return Payload{Value: value, Fields: len(headlines), Expect: expectedHeadlines}, nil
}

// extractHeadlines walks the parsed document and collects the text of links
// nested inside h1-h3 elements, up to limit.
func extractHeadlines(doc *html.Node, limit int) []string {
	var headlines []string
	var walk func(n *html.Node, inHeading bool)
	walk = func(n *html.Node, inHeading bool) {
		if len(headlines) >= limit {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "h1", "h2", "h3":
				inHeading = true
			case "a":
				if inHeading {
					if text := strings.TrimSpace(nodeText(n)); text != "" {
						headlines = append(headlines, text)
						return
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inHeading)
		}
	}
	walk(doc, false)
	return headlines
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}
