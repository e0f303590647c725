package source

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// fakeAdapter is a configurable test double for the Adapter interface.
type fakeAdapter struct {
	kind    Kind
	payload Payload
	err     error
	delay   time.Duration
	panics  bool
}

func (f fakeAdapter) Kind() Kind { return f.kind }

func (f fakeAdapter) Fetch(ctx context.Context, subject string) (Payload, error) {
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		}
	}
	return f.payload, f.err
}

func TestCollectSuccess(t *testing.T) {
	a := fakeAdapter{
		kind:    KindPricing,
		payload: Payload{Value: json.RawMessage(`{"usd":1}`), Fields: 4, Expect: 4},
	}

	res := Collect(context.Background(), a, "BTC", time.Second)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", res.Outcome)
	}
	if res.Kind != KindPricing {
		t.Errorf("kind = %q, want pricing", res.Kind)
	}
	if res.Payload.Fields != 4 {
		t.Errorf("fields = %d, want 4", res.Payload.Fields)
	}
}

func TestCollectTimeout(t *testing.T) {
	a := fakeAdapter{kind: KindNews, delay: time.Second}

	res := Collect(context.Background(), a, "BTC", 10*time.Millisecond)

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %q, want timeout", res.Outcome)
	}
	if res.Err == "" {
		t.Error("expected error text for a timed-out fetch")
	}
}

func TestCollectError(t *testing.T) {
	a := fakeAdapter{kind: KindOnchain, err: errors.New("connection refused")}

	res := Collect(context.Background(), a, "BTC", time.Second)

	if res.Outcome != OutcomeError {
		t.Fatalf("outcome = %q, want error", res.Outcome)
	}
	if res.Err != "connection refused" {
		t.Errorf("err = %q, want connection refused", res.Err)
	}
}

func TestCollectPanicContained(t *testing.T) {
	a := fakeAdapter{kind: KindResearch, panics: true}

	res := Collect(context.Background(), a, "BTC", time.Second)

	if res.Outcome != OutcomeError {
		t.Fatalf("outcome = %q, want error", res.Outcome)
	}
	if res.Err == "" {
		t.Error("expected panic to be reported in the result error")
	}
}

func TestCollectRecordsLatency(t *testing.T) {
	a := fakeAdapter{kind: KindPricing, delay: 20 * time.Millisecond, payload: Payload{Fields: 1, Expect: 1}}

	res := Collect(context.Background(), a, "BTC", time.Second)

	if res.Latency < 20*time.Millisecond {
		t.Errorf("latency = %v, want >= 20ms", res.Latency)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		want int
	}{
		{"complete", Payload{Fields: 4, Expect: 4}, 100},
		{"over-complete", Payload{Fields: 6, Expect: 4}, 100},
		{"three of four", Payload{Fields: 3, Expect: 4}, 75},
		{"half", Payload{Fields: 5, Expect: 10}, 50},
		{"floor applies", Payload{Fields: 1, Expect: 10}, 20},
		{"no fields", Payload{Fields: 0, Expect: 4}, 0},
		{"no expectation", Payload{Fields: 3, Expect: 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.p); got != tt.want {
				t.Errorf("Score(%+v) = %d, want %d", tt.p, got, tt.want)
			}
		})
	}
}

func TestValidKind(t *testing.T) {
	if !ValidKind("pricing") {
		t.Error("pricing should be a valid kind")
	}
	if ValidKind("astrology") {
		t.Error("astrology should not be a valid kind")
	}
}
