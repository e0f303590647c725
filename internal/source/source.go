package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is a named category of fetched intelligence.
type Kind string

const (
	KindPricing   Kind = "pricing"
	KindTechnical Kind = "technical"
	KindSentiment Kind = "sentiment"
	KindNews      Kind = "news"
	KindOnchain   Kind = "onchain"
	KindResearch  Kind = "research"
)

// AllKinds lists every known kind in display order.
var AllKinds = []Kind{KindPricing, KindTechnical, KindSentiment, KindNews, KindOnchain, KindResearch}

// ValidKind reports whether s names a known kind.
func ValidKind(s string) bool {
	for _, k := range AllKinds {
		if string(k) == s {
			return true
		}
	}
	return false
}

// Payload is one adapter's fetched value plus the field counts the quality
// scorer works from. Value stays opaque to everything downstream.
type Payload struct {
	Value  json.RawMessage
	Fields int // fields actually populated
	Expect int // fields a complete payload carries
}

// Adapter fetches one kind of data for a subject. Implementations do nothing
// beyond the network call: no cache writes, no shared state. That keeps them
// independently testable and safe to fan out.
type Adapter interface {
	Kind() Kind
	Fetch(ctx context.Context, subject string) (Payload, error)
}

// Outcome classifies how a fetch ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Result is the settled outcome of one adapter fetch. Transient: consumed by
// the phase collector in the same invocation, never persisted as-is.
type Result struct {
	Kind    Kind
	Outcome Outcome
	Payload Payload
	Err     string
	Latency time.Duration
}

// Collect runs a single adapter under its own timeout and converts every
// failure mode, including a panicking adapter, into a typed Result. Nothing
// escapes past this boundary, so one bad source cannot abort a fan-out.
func Collect(ctx context.Context, a Adapter, subject string, timeout time.Duration) (res Result) {
	res.Kind = a.Kind()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		res.Latency = time.Since(start)
		if r := recover(); r != nil {
			res.Outcome = OutcomeError
			res.Err = fmt.Sprintf("adapter panic: %v", r)
		}
	}()

	payload, err := a.Fetch(fetchCtx, subject)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || fetchCtx.Err() != nil {
			res.Outcome = OutcomeTimeout
		} else {
			res.Outcome = OutcomeError
		}
		res.Err = err.Error()
		return res
	}

	res.Outcome = OutcomeSuccess
	res.Payload = payload
	return res
}
