package collector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/dossier/internal/source"
	"github.com/kalambet/dossier/internal/storage"
)

// mockWriter records upserted cache entries.
type mockWriter struct {
	mu      sync.Mutex
	entries []storage.CacheEntry
	err     error
}

func (m *mockWriter) UpsertCacheEntry(e storage.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockWriter) byKind(kind string) (storage.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Kind == kind {
			return e, true
		}
	}
	return storage.CacheEntry{}, false
}

// stubAdapter returns a fixed payload or error.
type stubAdapter struct {
	kind    source.Kind
	payload source.Payload
	err     error
	delay   time.Duration
}

func (s stubAdapter) Kind() source.Kind { return s.kind }

func (s stubAdapter) Fetch(ctx context.Context, subject string) (source.Payload, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return source.Payload{}, ctx.Err()
		}
	}
	return s.payload, s.err
}

func okPayload() source.Payload {
	return source.Payload{Value: json.RawMessage(`{"ok":true}`), Fields: 4, Expect: 4}
}

func criticalAdapters() map[source.Kind]source.Adapter {
	return map[source.Kind]source.Adapter{
		source.KindPricing:   stubAdapter{kind: source.KindPricing, payload: okPayload()},
		source.KindTechnical: stubAdapter{kind: source.KindTechnical, payload: okPayload()},
	}
}

func policies(kinds ...source.Kind) map[source.Kind]KindPolicy {
	p := make(map[source.Kind]KindPolicy)
	for _, k := range kinds {
		p[k] = KindPolicy{TTL: 5 * time.Minute, Timeout: time.Second}
	}
	return p
}

func TestCollectCriticalPhase(t *testing.T) {
	store := &mockWriter{}
	c := New(criticalAdapters(), store, policies(source.KindPricing, source.KindTechnical), 2, "")

	report, err := c.Collect(context.Background(), "BTC", PhaseCritical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(report.Results))
	}
	if failed := report.Failed(); len(failed) != 0 {
		t.Errorf("failed kinds = %v, want none", failed)
	}
	if len(store.entries) != 2 {
		t.Errorf("cached %d entries, want 2", len(store.entries))
	}
}

func TestCollectUnknownPhase(t *testing.T) {
	c := New(criticalAdapters(), &mockWriter{}, nil, 2, "")

	if _, err := c.Collect(context.Background(), "BTC", "bogus"); err == nil {
		t.Fatal("expected error for unknown phase, got nil")
	}
}

func TestCollectPartialFailure(t *testing.T) {
	adapters := map[source.Kind]source.Adapter{
		source.KindSentiment: stubAdapter{kind: source.KindSentiment, payload: okPayload()},
		source.KindNews:      stubAdapter{kind: source.KindNews, err: errors.New("scrape failed")},
		source.KindOnchain:   stubAdapter{kind: source.KindOnchain, payload: okPayload()},
		source.KindResearch:  stubAdapter{kind: source.KindResearch, payload: okPayload()},
	}
	store := &mockWriter{}
	c := New(adapters, store, policies(source.KindSentiment, source.KindNews, source.KindOnchain, source.KindResearch), 2, "")

	report, err := c.Collect(context.Background(), "BTC", PhaseEnhanced)
	if err != nil {
		t.Fatalf("one failing source must not abort the phase: %v", err)
	}

	failed := report.Failed()
	if len(failed) != 1 || failed[0] != source.KindNews {
		t.Errorf("failed = %v, want [news]", failed)
	}
	if len(store.entries) != 3 {
		t.Errorf("cached %d entries, want 3 successes", len(store.entries))
	}
	if _, ok := store.byKind("news"); ok {
		t.Error("failed fetch must not produce a cache write")
	}
}

func TestCollectTimeoutReported(t *testing.T) {
	adapters := map[source.Kind]source.Adapter{
		source.KindPricing:   stubAdapter{kind: source.KindPricing, delay: time.Second, payload: okPayload()},
		source.KindTechnical: stubAdapter{kind: source.KindTechnical, payload: okPayload()},
	}
	p := policies(source.KindPricing, source.KindTechnical)
	p[source.KindPricing] = KindPolicy{TTL: 5 * time.Minute, Timeout: 10 * time.Millisecond}

	store := &mockWriter{}
	c := New(adapters, store, p, 2, "")

	report, err := c.Collect(context.Background(), "BTC", PhaseCritical)
	if err != nil {
		t.Fatal(err)
	}

	var pricing source.Result
	for _, r := range report.Results {
		if r.Kind == source.KindPricing {
			pricing = r
		}
	}
	if pricing.Outcome != source.OutcomeTimeout {
		t.Errorf("pricing outcome = %q, want timeout", pricing.Outcome)
	}
	// The sibling fetch still succeeded and was cached.
	if _, ok := store.byKind("technical"); !ok {
		t.Error("technical entry should be cached despite the pricing timeout")
	}
}

func TestCollectMissingAdapter(t *testing.T) {
	adapters := map[source.Kind]source.Adapter{
		source.KindPricing: stubAdapter{kind: source.KindPricing, payload: okPayload()},
	}
	c := New(adapters, &mockWriter{}, policies(source.KindPricing), 2, "")

	report, err := c.Collect(context.Background(), "BTC", PhaseCritical)
	if err != nil {
		t.Fatal(err)
	}

	failed := report.Failed()
	if len(failed) != 1 || failed[0] != source.KindTechnical {
		t.Errorf("failed = %v, want [technical]", failed)
	}
}

func TestCollectExpirySpansRetentionFactor(t *testing.T) {
	store := &mockWriter{}
	c := New(criticalAdapters(), store, policies(source.KindPricing, source.KindTechnical), 3, "")

	if _, err := c.Collect(context.Background(), "BTC", PhaseCritical); err != nil {
		t.Fatal(err)
	}

	e, ok := store.byKind("pricing")
	if !ok {
		t.Fatal("pricing entry not cached")
	}
	lifetime := e.ExpiresAt.Sub(e.CreatedAt)
	if lifetime != 15*time.Minute {
		t.Errorf("row lifetime = %v, want TTL x factor = 15m", lifetime)
	}
}

func TestCollectUpsertErrorTurnsResultToError(t *testing.T) {
	store := &mockWriter{err: errors.New("disk full")}
	c := New(criticalAdapters(), store, policies(source.KindPricing, source.KindTechnical), 2, "")

	report, err := c.Collect(context.Background(), "BTC", PhaseCritical)
	if err != nil {
		t.Fatal(err)
	}

	if failed := report.Failed(); len(failed) != 2 {
		t.Errorf("failed = %v, want both kinds when the cache write fails", failed)
	}
}

func TestPhases(t *testing.T) {
	phases := Phases()
	if len(phases) != 2 || phases[0] != PhaseCritical || phases[1] != PhaseEnhanced {
		t.Errorf("phases = %v, want [critical enhanced]", phases)
	}

	kinds, ok := PhaseKinds(PhaseCritical)
	if !ok || len(kinds) != 2 {
		t.Errorf("critical kinds = %v, want 2", kinds)
	}
	if _, ok := PhaseKinds("bogus"); ok {
		t.Error("unknown phase should not resolve")
	}
}
