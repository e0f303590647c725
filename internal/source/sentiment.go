package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// SentimentAdapter fetches the latest market sentiment reading from a
// fear-and-greed style index API.
type SentimentAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewSentimentAdapter creates a SentimentAdapter targeting the given API base URL.
func NewSentimentAdapter(baseURL string, client *http.Client) *SentimentAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &SentimentAdapter{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

func (a *SentimentAdapter) Kind() Kind { return KindSentiment }

type fngResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
		Timestamp      string `json:"timestamp"`
	} `json:"data"`
}

func (a *SentimentAdapter) Fetch(ctx context.Context, subject string) (Payload, error) {
	var body fngResponse
	if err := getJSON(ctx, a.httpClient, a.baseURL+"/fng/?limit=1", &body); err != nil {
		return Payload{}, err
	}
	if len(body.Data) == 0 {
		return Payload{}, fmt.Errorf("sentiment index returned no readings")
	}

	reading := body.Data[0]
	fields := 0
	if reading.Value != "" {
		fields++
	}
	if reading.Classification != "" {
		fields++
	}
	if reading.Timestamp != "" {
		fields++
	}

	value, err := json.Marshal(map[string]string{
		"value":          reading.Value,
		"classification": reading.Classification,
		"timestamp":      reading.Timestamp,
	})
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling sentiment payload: %w", err)
	}
	return Payload{Value: value, Fields: fields, Expect: 3}, nil
}
