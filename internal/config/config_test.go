package config

import (
	"strings"
	"testing"
	"time"

	"github.com/kalambet/dossier/internal/source"
)

// mapBackend is an in-memory test double for the config backend.
type mapBackend struct {
	data map[string]any
}

func (b mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", true, nil
	}
	return s, true, nil
}

func (b mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, isInt := v.(int)
	if !isInt {
		return 0, true, nil
	}
	return i, true, nil
}

func (b mapBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b mapBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return nil
}
func (b mapBackend) Delete(key string) error { delete(b.data, key); return nil }

// mockKeychain is a test double for the secret store.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) { return m.value, m.err }
func (m mockKeychain) Set(service, account, value string) error    { return nil }

func emptyBackend() Backend {
	return mapBackend{data: make(map[string]any)}
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	t.Setenv("DOSSIER_PROVIDER_MODE", "")

	cfg, err := loadWith(emptyBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Gate.Threshold != 70 {
		t.Errorf("Gate.Threshold = %d, want 70", cfg.Gate.Threshold)
	}
	if cfg.Gate.RetentionFactor != 2 {
		t.Errorf("Gate.RetentionFactor = %d, want 2", cfg.Gate.RetentionFactor)
	}
	if cfg.Provider.Mode != "inline" {
		t.Errorf("Provider.Mode = %q, want %q", cfg.Provider.Mode, "inline")
	}
	if cfg.Provider.OllamaBaseURL != "http://localhost:11434" {
		t.Errorf("Provider.OllamaBaseURL = %q", cfg.Provider.OllamaBaseURL)
	}
	if got := cfg.TTL(source.KindPricing); got != 3*time.Minute {
		t.Errorf("TTL(pricing) = %v, want 3m", got)
	}
	if got := cfg.Timeout(source.KindResearch); got != 20*time.Second {
		t.Errorf("Timeout(research) = %v, want 20s", got)
	}
}

// TestWeightsSumToHundred guards the default weight table.
func TestWeightsSumToHundred(t *testing.T) {
	cfg := defaults()
	total := 0
	for _, w := range cfg.Weights() {
		total += w
	}
	if total != 100 {
		t.Errorf("default weights sum to %d, want 100", total)
	}
}

// TestBackendOverride verifies backend values take precedence over defaults.
func TestBackendOverride(t *testing.T) {
	t.Setenv("DOSSIER_PROVIDER_MODE", "")
	b := mapBackend{data: map[string]any{
		"server.port":       5000,
		"gate.threshold":    85,
		"kinds.pricing.ttl": "1m",
	}}

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Gate.Threshold != 85 {
		t.Errorf("Gate.Threshold = %d, want 85", cfg.Gate.Threshold)
	}
	if got := cfg.TTL(source.KindPricing); got != time.Minute {
		t.Errorf("TTL(pricing) = %v, want 1m", got)
	}
}

// TestEnvOverride verifies environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	b := mapBackend{data: map[string]any{"gate.threshold": 85}}

	t.Setenv("DOSSIER_GATE_THRESHOLD", "60")

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Gate.Threshold != 60 {
		t.Errorf("Gate.Threshold = %d, want 60", cfg.Gate.Threshold)
	}
}

// TestBackgroundModeRequiresKey verifies a clear error when background mode
// has no OpenRouter key anywhere.
func TestBackgroundModeRequiresKey(t *testing.T) {
	t.Setenv("DOSSIER_PROVIDER_MODE", "background")
	t.Setenv("DOSSIER_OPENROUTER_API_KEY", "")

	_, err := loadWith(emptyBackend(), mockKeychain{err: errNotFound})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", err)
	}
}

// TestKeychainFallback verifies the secret store is consulted when no API key
// is in the backend or environment.
func TestKeychainFallback(t *testing.T) {
	t.Setenv("DOSSIER_PROVIDER_MODE", "background")
	t.Setenv("DOSSIER_OPENROUTER_API_KEY", "")

	cfg, err := loadWith(emptyBackend(), mockKeychain{value: "keychain-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider.OpenRouterAPIKey != "keychain-secret" {
		t.Errorf("OpenRouterAPIKey = %q, want %q", cfg.Provider.OpenRouterAPIKey, "keychain-secret")
	}
}

// TestInvalidProviderMode verifies unknown modes are rejected.
func TestInvalidProviderMode(t *testing.T) {
	t.Setenv("DOSSIER_PROVIDER_MODE", "turbo")

	_, err := loadWith(emptyBackend(), mockKeychain{})
	if err == nil {
		t.Fatal("expected error for invalid provider mode, got nil")
	}
}

// TestCeilings verifies the analysis ceiling stretches the TTL by the
// retention factor.
func TestCeilings(t *testing.T) {
	cfg := defaults()
	cfg.Gate.RetentionFactor = 3

	ceilings := cfg.Ceilings()
	if got := ceilings[source.KindPricing]; got != 9*time.Minute {
		t.Errorf("Ceilings()[pricing] = %v, want 9m", got)
	}
}

// TestSetKeyUnknown verifies SetKey rejects keys outside the spec table.
func TestSetKeyUnknown(t *testing.T) {
	if err := SetKey("no.such.key", "1"); err == nil {
		t.Error("expected error for unknown key, got nil")
	}
}

var errNotFound = &keychainMissError{}

type keychainMissError struct{}

func (*keychainMissError) Error() string { return "not found" }
