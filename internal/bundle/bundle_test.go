package bundle

import (
	"strings"
	"testing"
	"time"

	"github.com/kalambet/dossier/internal/source"
	"github.com/kalambet/dossier/internal/storage"
)

// mockReader serves canned cache entries keyed by kind.
type mockReader struct {
	entries map[string]storage.CacheEntry
}

func (m mockReader) GetFresh(subject, kind, scope string, maxAge time.Duration) (storage.CacheEntry, error) {
	e, ok := m.entries[kind]
	if !ok {
		return storage.CacheEntry{}, storage.ErrNotFound
	}
	now := time.Now().UTC()
	if maxAge > 0 && e.Age(now) > maxAge {
		return storage.CacheEntry{}, storage.ErrNotFound
	}
	return e, nil
}

func defaultWeights() map[source.Kind]int {
	return map[source.Kind]int{
		source.KindPricing:   30,
		source.KindTechnical: 25,
		source.KindSentiment: 15,
		source.KindNews:      10,
		source.KindOnchain:   15,
		source.KindResearch:  5,
	}
}

func entry(kind string, age time.Duration) storage.CacheEntry {
	created := time.Now().UTC().Add(-age)
	return storage.CacheEntry{
		Subject:   "BTC",
		Kind:      kind,
		ValueJSON: `{"k":"` + kind + `"}`,
		Quality:   100,
		CreatedAt: created,
		ExpiresAt: created.Add(12 * time.Hour),
	}
}

func TestAggregateAllPresent(t *testing.T) {
	reader := mockReader{entries: map[string]storage.CacheEntry{}}
	for _, k := range source.AllKinds {
		reader.entries[string(k)] = entry(string(k), time.Minute)
	}

	agg := New(reader, defaultWeights(), nil, "")
	b, err := agg.Aggregate("BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b.AggregateQuality != 100 {
		t.Errorf("quality = %d, want 100", b.AggregateQuality)
	}
	if len(b.Missing) != 0 {
		t.Errorf("missing = %v, want none", b.Missing)
	}
	if len(b.PerKind) != len(source.AllKinds) {
		t.Errorf("per_kind has %d entries, want %d", len(b.PerKind), len(source.AllKinds))
	}
}

func TestAggregateWeightedQuality(t *testing.T) {
	// Only pricing (30), technical (25), sentiment (15), onchain (15) present:
	// 85 of 100 weight.
	reader := mockReader{entries: map[string]storage.CacheEntry{
		"pricing":   entry("pricing", time.Minute),
		"technical": entry("technical", time.Minute),
		"sentiment": entry("sentiment", time.Minute),
		"onchain":   entry("onchain", time.Minute),
	}}

	agg := New(reader, defaultWeights(), nil, "")
	b, err := agg.Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}

	if b.AggregateQuality != 85 {
		t.Errorf("quality = %d, want 85", b.AggregateQuality)
	}
	if len(b.Missing) != 2 {
		t.Errorf("missing = %v, want news and research", b.Missing)
	}
}

func TestAggregateDeterministic(t *testing.T) {
	reader := mockReader{entries: map[string]storage.CacheEntry{
		"pricing":   entry("pricing", time.Minute),
		"sentiment": entry("sentiment", time.Minute),
	}}
	agg := New(reader, defaultWeights(), nil, "")

	first, err := agg.Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}
	second, err := agg.Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}

	if first.AggregateQuality != second.AggregateQuality {
		t.Errorf("quality changed between identical aggregations: %d vs %d",
			first.AggregateQuality, second.AggregateQuality)
	}
}

func TestAggregateMonotonicInCoverage(t *testing.T) {
	partial := mockReader{entries: map[string]storage.CacheEntry{
		"pricing": entry("pricing", time.Minute),
	}}
	fuller := mockReader{entries: map[string]storage.CacheEntry{
		"pricing":   entry("pricing", time.Minute),
		"technical": entry("technical", time.Minute),
	}}

	weights := defaultWeights()
	a, err := New(partial, weights, nil, "").Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(fuller, weights, nil, "").Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}

	if b.AggregateQuality <= a.AggregateQuality {
		t.Errorf("adding a kind must not lower quality: %d -> %d",
			a.AggregateQuality, b.AggregateQuality)
	}
}

func TestAggregateStaleBeyondCeiling(t *testing.T) {
	reader := mockReader{entries: map[string]storage.CacheEntry{
		"pricing": entry("pricing", 10*time.Minute),
	}}
	ceilings := map[source.Kind]time.Duration{source.KindPricing: 6 * time.Minute}

	agg := New(reader, defaultWeights(), ceilings, "")
	b, err := agg.Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := b.PerKind[source.KindPricing]; ok {
		t.Error("entry older than its ceiling should read as missing")
	}
	if len(b.Missing) != len(source.AllKinds) {
		t.Errorf("missing = %v, want all kinds", b.Missing)
	}
	if b.AggregateQuality != 0 {
		t.Errorf("quality = %d, want 0", b.AggregateQuality)
	}
}

func TestAggregateZeroWeightKindIgnored(t *testing.T) {
	reader := mockReader{entries: map[string]storage.CacheEntry{
		"pricing": entry("pricing", time.Minute),
	}}
	weights := map[source.Kind]int{source.KindPricing: 30, source.KindResearch: 0}

	agg := New(reader, weights, nil, "")
	b, err := agg.Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}

	// Research has no weight so its absence neither lowers quality nor lands
	// in Missing.
	if b.AggregateQuality != 100 {
		t.Errorf("quality = %d, want 100", b.AggregateQuality)
	}
	for _, k := range b.Missing {
		if k == source.KindResearch {
			t.Error("zero-weight kind should not be reported missing")
		}
	}
}

func TestRenderStableOrder(t *testing.T) {
	reader := mockReader{entries: map[string]storage.CacheEntry{}}
	for _, k := range source.AllKinds {
		reader.entries[string(k)] = entry(string(k), time.Minute)
	}
	agg := New(reader, defaultWeights(), nil, "")
	b, err := agg.Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}

	text := b.Render()
	if !strings.Contains(text, "Subject: BTC") {
		t.Error("render should name the subject")
	}

	// Sections appear in the fixed kind order.
	last := -1
	for _, k := range source.AllKinds {
		idx := strings.Index(text, "## "+string(k))
		if idx < 0 {
			t.Fatalf("render missing section for %s", k)
		}
		if idx < last {
			t.Errorf("section %s out of order", k)
		}
		last = idx
	}
}

func TestRenderListsMissing(t *testing.T) {
	reader := mockReader{entries: map[string]storage.CacheEntry{
		"pricing": entry("pricing", time.Minute),
	}}
	agg := New(reader, defaultWeights(), nil, "")
	b, err := agg.Aggregate("BTC")
	if err != nil {
		t.Fatal(err)
	}

	text := b.Render()
	if !strings.Contains(text, "Missing kinds:") {
		t.Error("render should list missing kinds")
	}
	if !strings.Contains(text, "research") {
		t.Error("missing list should include research")
	}
}
