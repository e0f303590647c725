package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// onchainFields are the explorer stats we consider part of a complete payload.
var onchainFields = []string{"transactions_24h", "mempool_transactions", "hashrate_24h", "market_dominance_percentage", "average_transaction_fee_24h"}

// OnchainAdapter fetches network statistics for the subject from a
// blockchain-explorer style stats API.
type OnchainAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewOnchainAdapter creates an OnchainAdapter targeting the given explorer base URL.
func NewOnchainAdapter(baseURL string, client *http.Client) *OnchainAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OnchainAdapter{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

func (a *OnchainAdapter) Kind() Kind { return KindOnchain }

type explorerStats struct {
	Data map[string]json.RawMessage `json:"data"`
}

func (a *OnchainAdapter) Fetch(ctx context.Context, subject string) (Payload, error) {
	u := fmt.Sprintf("%s/%s/stats", a.baseURL, url.PathEscape(strings.ToLower(subject)))

	var body explorerStats
	if err := getJSON(ctx, a.httpClient, u, &body); err != nil {
		return Payload{}, err
	}
	if len(body.Data) == 0 {
		return Payload{}, fmt.Errorf("no on-chain stats for %q", subject)
	}

	stats := make(map[string]json.RawMessage, len(onchainFields))
	fields := 0
	for _, k := range onchainFields {
		if v, ok := body.Data[k]; ok {
			stats[k] = v
			fields++
		}
	}

	value, err := json.Marshal(stats)
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling on-chain payload: %w", err)
	}
	return Payload{Value: value, Fields: fields, Expect: len(onchainFields)}, nil
}
