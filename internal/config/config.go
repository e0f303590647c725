package config

import (
	"fmt"
	"time"

	"github.com/kalambet/dossier/internal/analysis"
	"github.com/kalambet/dossier/internal/source"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Sources  SourcesConfig
	Gate     GateConfig
	Provider ProviderConfig
	Worker   WorkerConfig
	Kinds    map[source.Kind]KindConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// SourcesConfig holds the base URLs of the external data providers.
type SourcesConfig struct {
	MarketBaseURL    string
	SentimentBaseURL string
	NewsBaseURL      string
	OnchainBaseURL   string
	ResearchBaseURL  string
}

// GateConfig tunes the analysis gate. Threshold is deliberately a deployment
// knob, not a constant: acceptable data coverage differs per installation.
type GateConfig struct {
	Threshold       int
	RetentionFactor int // cache row lifetime as a multiple of the collection TTL
}

type ProviderConfig struct {
	Mode             string // "inline" or "background"
	OllamaBaseURL    string
	OllamaModel      string
	InlineBudget     string // duration; wall-clock cap for one inline analysis
	OpenRouterAPIKey string
	OpenRouterModel  string
	MaxAttempts      int
	ResultTTL        string // duration; job record lifetime
}

type WorkerConfig struct {
	PollInterval  string // duration between claim sweeps
	SweepInterval string // duration between housekeeping prunes
}

// KindConfig carries the per-kind collection TTL, fetch timeout, and
// aggregation weight.
type KindConfig struct {
	TTL     string
	Timeout string
	Weight  int
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4600},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Sources: SourcesConfig{
			MarketBaseURL:    "https://api.coingecko.com/api/v3",
			SentimentBaseURL: "https://api.alternative.me",
			NewsBaseURL:      "https://cryptopanic.com",
			OnchainBaseURL:   "https://api.blockchair.com",
			ResearchBaseURL:  "https://research.dossier.dev",
		},
		Gate: GateConfig{
			Threshold:       70,
			RetentionFactor: 2,
		},
		Provider: ProviderConfig{
			Mode:          string(analysis.ModeInline),
			OllamaBaseURL: "http://localhost:11434",
			OllamaModel:   "mistral-nemo",
			InlineBudget:  "20s",
			// Deep model for background analysis runs.
			OpenRouterModel: "anthropic/claude-opus-4",
			MaxAttempts:     3,
			ResultTTL:       "24h",
		},
		Worker: WorkerConfig{
			PollInterval:  "1s",
			SweepInterval: "10m",
		},
		Kinds: map[source.Kind]KindConfig{
			source.KindPricing:   {TTL: "3m", Timeout: "8s", Weight: 30},
			source.KindTechnical: {TTL: "5m", Timeout: "10s", Weight: 25},
			source.KindSentiment: {TTL: "15m", Timeout: "8s", Weight: 15},
			source.KindNews:      {TTL: "30m", Timeout: "12s", Weight: 10},
			source.KindOnchain:   {TTL: "10m", Timeout: "10s", Weight: 15},
			source.KindResearch:  {TTL: "6h", Timeout: "20s", Weight: 5},
		},
	}
}

// Load reads configuration from the JSON file backend
// ($XDG_CONFIG_HOME/dossier/config.json), applies DOSSIER_* environment
// overrides, and falls back to the secret store for the OpenRouter API key.
func Load() (Config, error) {
	return loadWith(newFileBackend(), NewKeychain())
}

func loadWith(b Backend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.OpenRouterAPIKey == "" {
		if key, err := kc.Get("dossier", "openrouter_api_key"); err == nil && key != "" {
			cfg.Provider.OpenRouterAPIKey = key
		}
	}

	if cfg.Provider.Mode != string(analysis.ModeInline) && cfg.Provider.Mode != string(analysis.ModeBackground) {
		return Config{}, fmt.Errorf("invalid provider mode %q: want %q or %q",
			cfg.Provider.Mode, analysis.ModeInline, analysis.ModeBackground)
	}
	if cfg.Provider.Mode == string(analysis.ModeBackground) && cfg.Provider.OpenRouterAPIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable DOSSIER_OPENROUTER_API_KEY")
	}

	return cfg, nil
}

// InlineBudget returns the wall-clock cap for one inline analysis run.
func (c Config) InlineBudget() time.Duration {
	return parseDurationOr(c.Provider.InlineBudget, 20*time.Second)
}

// ResultTTL returns the job record lifetime.
func (c Config) ResultTTL() time.Duration {
	return parseDurationOr(c.Provider.ResultTTL, 24*time.Hour)
}

// PollInterval returns the worker claim interval.
func (c Config) PollInterval() time.Duration {
	return parseDurationOr(c.Worker.PollInterval, time.Second)
}

// SweepInterval returns the housekeeping prune interval.
func (c Config) SweepInterval() time.Duration {
	return parseDurationOr(c.Worker.SweepInterval, 10*time.Minute)
}

// TTL returns the collection TTL for a kind, defaulting to 5m on parse failure.
func (c Config) TTL(kind source.Kind) time.Duration {
	return parseDurationOr(c.Kinds[kind].TTL, 5*time.Minute)
}

// Timeout returns the fetch timeout for a kind, defaulting to 10s.
func (c Config) Timeout(kind source.Kind) time.Duration {
	return parseDurationOr(c.Kinds[kind].Timeout, 10*time.Second)
}

// Weights returns the per-kind aggregation weights.
func (c Config) Weights() map[source.Kind]int {
	weights := make(map[source.Kind]int, len(c.Kinds))
	for kind, kc := range c.Kinds {
		weights[kind] = kc.Weight
	}
	return weights
}

// Ceilings returns the per-kind analysis freshness ceiling: the collection
// TTL stretched by the retention factor. The aggregator reads with these, the
// collector writes row expiry with the same factor, so the two stay aligned.
func (c Config) Ceilings() map[source.Kind]time.Duration {
	factor := c.Gate.RetentionFactor
	if factor < 2 {
		factor = 2
	}
	ceilings := make(map[source.Kind]time.Duration, len(c.Kinds))
	for kind := range c.Kinds {
		ceilings[kind] = c.TTL(kind) * time.Duration(factor)
	}
	return ceilings
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
