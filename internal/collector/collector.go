package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/dossier/internal/source"
	"github.com/kalambet/dossier/internal/storage"
)

// Phase names. Critical kinds are must-have and fast; enhanced kinds are
// nice-to-have and collected second so a caller can act on partial data early.
const (
	PhaseCritical = "critical"
	PhaseEnhanced = "enhanced"
)

var phaseKinds = map[string][]source.Kind{
	PhaseCritical: {source.KindPricing, source.KindTechnical},
	PhaseEnhanced: {source.KindSentiment, source.KindNews, source.KindOnchain, source.KindResearch},
}

// Phases returns the phase names in collection order.
func Phases() []string {
	return []string{PhaseCritical, PhaseEnhanced}
}

// PhaseKinds returns the kinds belonging to a phase.
func PhaseKinds(name string) ([]source.Kind, bool) {
	kinds, ok := phaseKinds[name]
	return kinds, ok
}

// CacheWriter is the slice of the store the collector needs.
type CacheWriter interface {
	UpsertCacheEntry(e storage.CacheEntry) error
}

// KindPolicy carries the per-kind collection parameters.
type KindPolicy struct {
	TTL     time.Duration
	Timeout time.Duration
}

// Report is the per-kind outcome of one phase collection. Diagnostic only:
// the cache rows are the authoritative state.
type Report struct {
	Subject string
	Phase   string
	Results []source.Result
}

// Failed returns the kinds that did not produce a cache write.
func (r Report) Failed() []source.Kind {
	var kinds []source.Kind
	for _, res := range r.Results {
		if res.Outcome != source.OutcomeSuccess {
			kinds = append(kinds, res.Kind)
		}
	}
	return kinds
}

// Collector fans out source adapters for a phase and persists successful
// results. Failures never abort sibling fetches; a stale cached value, if
// any, simply remains available to later reads.
type Collector struct {
	adapters        map[source.Kind]source.Adapter
	store           CacheWriter
	policies        map[source.Kind]KindPolicy
	retentionFactor int
	scope           string
	logger          *slog.Logger
}

// New creates a Collector. retentionFactor stretches each kind's TTL into the
// row expiry so the analysis freshness ceiling (a separate read-side knob) has
// headroom; values below 2 are raised to 2.
func New(adapters map[source.Kind]source.Adapter, store CacheWriter, policies map[source.Kind]KindPolicy, retentionFactor int, scope string) *Collector {
	if retentionFactor < 2 {
		retentionFactor = 2
	}
	return &Collector{
		adapters:        adapters,
		store:           store,
		policies:        policies,
		retentionFactor: retentionFactor,
		scope:           scope,
		logger:          slog.Default(),
	}
}

// Collect runs every adapter of the named phase concurrently, each under its
// own timeout, and upserts each success into the cache with its computed
// quality score. The returned report lists one result per configured kind.
func (c *Collector) Collect(ctx context.Context, subject, phase string) (Report, error) {
	kinds, ok := phaseKinds[phase]
	if !ok {
		return Report{}, fmt.Errorf("unknown phase %q", phase)
	}

	report := Report{Subject: subject, Phase: phase, Results: make([]source.Result, len(kinds))}

	g, gCtx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			report.Results[i] = c.collectKind(gCtx, subject, kind)
			return nil
		})
	}
	g.Wait()

	if failed := report.Failed(); len(failed) > 0 {
		c.logger.Warn("phase collected with failures",
			"subject", subject, "phase", phase, "failed_kinds", failed)
	} else {
		c.logger.Debug("phase collected", "subject", subject, "phase", phase)
	}
	return report, nil
}

func (c *Collector) collectKind(ctx context.Context, subject string, kind source.Kind) source.Result {
	adapter, ok := c.adapters[kind]
	if !ok {
		return source.Result{Kind: kind, Outcome: source.OutcomeError, Err: "no adapter configured"}
	}

	policy := c.policies[kind]
	if policy.Timeout <= 0 {
		policy.Timeout = 10 * time.Second
	}
	if policy.TTL <= 0 {
		policy.TTL = 5 * time.Minute
	}

	res := source.Collect(ctx, adapter, subject, policy.Timeout)
	if res.Outcome != source.OutcomeSuccess {
		return res
	}

	now := time.Now().UTC()
	entry := storage.CacheEntry{
		Subject:   subject,
		Kind:      string(kind),
		Scope:     c.scope,
		ValueJSON: string(res.Payload.Value),
		Quality:   source.Score(res.Payload),
		CreatedAt: now,
		ExpiresAt: now.Add(policy.TTL * time.Duration(c.retentionFactor)),
	}
	if err := c.store.UpsertCacheEntry(entry); err != nil {
		res.Outcome = source.OutcomeError
		res.Err = fmt.Sprintf("caching result: %v", err)
		return res
	}
	return res
}
