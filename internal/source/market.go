package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// PricingAdapter fetches spot price data from a CoinGecko-compatible API.
type PricingAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewPricingAdapter creates a PricingAdapter targeting the given API base URL.
func NewPricingAdapter(baseURL string, client *http.Client) *PricingAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &PricingAdapter{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

func (a *PricingAdapter) Kind() Kind { return KindPricing }

func (a *PricingAdapter) Fetch(ctx context.Context, subject string) (Payload, error) {
	q := url.Values{
		"ids":                 {strings.ToLower(subject)},
		"vs_currencies":       {"usd"},
		"include_market_cap":  {"true"},
		"include_24hr_vol":    {"true"},
		"include_24hr_change": {"true"},
	}
	var body map[string]map[string]float64
	if err := getJSON(ctx, a.httpClient, a.baseURL+"/simple/price?"+q.Encode(), &body); err != nil {
		return Payload{}, err
	}

	quote, ok := body[strings.ToLower(subject)]
	if !ok || len(quote) == 0 {
		return Payload{}, fmt.Errorf("no pricing data for %q", subject)
	}

	fields := 0
	for _, k := range []string{"usd", "usd_market_cap", "usd_24h_vol", "usd_24h_change"} {
		if _, ok := quote[k]; ok {
			fields++
		}
	}

	value, err := json.Marshal(quote)
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling pricing payload: %w", err)
	}
	return Payload{Value: value, Fields: fields, Expect: 4}, nil
}

// TechnicalAdapter fetches a recent market chart and derives a few cheap
// series-level figures. Deeper indicator math belongs to the analysis
// provider, not the collector.
type TechnicalAdapter struct {
	baseURL    string
	httpClient *http.Client
	days       int
}

// NewTechnicalAdapter creates a TechnicalAdapter. days controls the chart
// window (default 14 if <= 0).
func NewTechnicalAdapter(baseURL string, client *http.Client, days int) *TechnicalAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	if days <= 0 {
		days = 14
	}
	return &TechnicalAdapter{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client, days: days}
}

func (a *TechnicalAdapter) Kind() Kind { return KindTechnical }

type marketChart struct {
	Prices       [][2]float64 `json:"prices"`
	MarketCaps   [][2]float64 `json:"market_caps"`
	TotalVolumes [][2]float64 `json:"total_volumes"`
}

func (a *TechnicalAdapter) Fetch(ctx context.Context, subject string) (Payload, error) {
	u := fmt.Sprintf("%s/coins/%s/market_chart?vs_currency=usd&days=%d",
		a.baseURL, url.PathEscape(strings.ToLower(subject)), a.days)

	var chart marketChart
	if err := getJSON(ctx, a.httpClient, u, &chart); err != nil {
		return Payload{}, err
	}
	if len(chart.Prices) == 0 {
		return Payload{}, fmt.Errorf("empty market chart for %q", subject)
	}

	summary := map[string]any{
		"points":      len(chart.Prices),
		"window_days": a.days,
	}
	fields := 1
	if last, first := chart.Prices[len(chart.Prices)-1][1], chart.Prices[0][1]; first != 0 {
		summary["window_change_pct"] = (last - first) / first * 100
		fields++
	}
	if lo, hi, ok := priceRange(chart.Prices); ok {
		summary["low"] = lo
		summary["high"] = hi
		fields++
	}
	if len(chart.TotalVolumes) > 0 {
		summary["last_volume"] = chart.TotalVolumes[len(chart.TotalVolumes)-1][1]
		fields++
	}

	value, err := json.Marshal(summary)
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling technical payload: %w", err)
	}
	return Payload{Value: value, Fields: fields, Expect: 4}, nil
}

func priceRange(points [][2]float64) (lo, hi float64, ok bool) {
	if len(points) == 0 {
		return 0, 0, false
	}
	lo, hi = points[0][1], points[0][1]
	for _, p := range points[1:] {
		if p[1] < lo {
			lo = p[1]
		}
		if p[1] > hi {
			hi = p[1]
		}
	}
	return lo, hi, true
}

// getJSON performs a GET request and decodes a JSON response body into v.
func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
