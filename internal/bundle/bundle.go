// Package bundle aggregates cached intelligence for one subject into the
// single structured context handed to an analysis provider.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/dossier/internal/source"
	"github.com/kalambet/dossier/internal/storage"
)

// CacheReader is the slice of the store the aggregator needs.
type CacheReader interface {
	GetFresh(subject, kind, scope string, maxAge time.Duration) (storage.CacheEntry, error)
}

// Item is one kind's contribution to a bundle.
type Item struct {
	Value   json.RawMessage `json:"value"`
	Quality int             `json:"quality"`
	AgeMs   int64           `json:"age_ms"`
}

// Bundle is the aggregated context for a subject. Always recomputed from
// cache rows, never persisted.
type Bundle struct {
	Subject          string               `json:"subject"`
	Scope            string               `json:"scope,omitempty"`
	PerKind          map[source.Kind]Item `json:"per_kind"`
	AggregateQuality int                  `json:"aggregate_quality"`
	Missing          []source.Kind        `json:"missing"`
	GeneratedAt      time.Time            `json:"generated_at"`
}

// Aggregator computes bundles from the cache store. Pure given the current
// store state: same rows in, same quality out.
type Aggregator struct {
	store    CacheReader
	weights  map[source.Kind]int
	ceilings map[source.Kind]time.Duration
	scope    string
}

// New creates an Aggregator. weights assigns the per-kind contribution to the
// aggregate score (critical kinds weigh more); ceilings is the per-kind
// analysis freshness ceiling, which deliberately exceeds the collection TTL.
func New(store CacheReader, weights map[source.Kind]int, ceilings map[source.Kind]time.Duration, scope string) *Aggregator {
	return &Aggregator{store: store, weights: weights, ceilings: ceilings, scope: scope}
}

// Aggregate reads every known kind for the subject and returns the bundle.
// Kinds with no fresh row land in Missing; an aggregate of the weights of
// present kinds over all weights yields the 0-100 quality score.
func (a *Aggregator) Aggregate(subject string) (Bundle, error) {
	b := Bundle{
		Subject:     subject,
		Scope:       a.scope,
		PerKind:     make(map[source.Kind]Item),
		GeneratedAt: time.Now().UTC(),
	}

	totalWeight := 0
	presentWeight := 0
	for _, kind := range source.AllKinds {
		weight := a.weights[kind]
		if weight <= 0 {
			continue
		}
		totalWeight += weight

		entry, err := a.store.GetFresh(subject, string(kind), a.scope, a.ceilings[kind])
		if errors.Is(err, storage.ErrNotFound) {
			b.Missing = append(b.Missing, kind)
			continue
		}
		if err != nil {
			return Bundle{}, fmt.Errorf("reading %s cache for %s: %w", kind, subject, err)
		}

		presentWeight += weight
		b.PerKind[kind] = Item{
			Value:   json.RawMessage(entry.ValueJSON),
			Quality: entry.Quality,
			AgeMs:   entry.Age(b.GeneratedAt).Milliseconds(),
		}
	}

	if totalWeight > 0 {
		b.AggregateQuality = int(math.Round(100 * float64(presentWeight) / float64(totalWeight)))
	}
	return b, nil
}

// Render formats the bundle as the structured text block fed to an analysis
// provider. Kinds render in the fixed AllKinds order so output is stable.
func (b Bundle) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s\nAggregate quality: %d/100\n", b.Subject, b.AggregateQuality)
	if len(b.Missing) > 0 {
		missing := make([]string, len(b.Missing))
		for i, k := range b.Missing {
			missing[i] = string(k)
		}
		sort.Strings(missing)
		fmt.Fprintf(&sb, "Missing kinds: %s\n", strings.Join(missing, ", "))
	}
	for _, kind := range source.AllKinds {
		item, ok := b.PerKind[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s (quality %d, age %dms)\n%s\n", kind, item.Quality, item.AgeMs, string(item.Value))
	}
	return sb.String()
}
