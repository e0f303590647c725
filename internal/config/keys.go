package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kalambet/dossier/internal/source"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOSSIER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOSSIER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DOSSIER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "sources.market_base_url", typ: kString, env: "DOSSIER_SOURCES_MARKET_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sources.MarketBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.MarketBaseURL },
	},
	{
		key: "sources.sentiment_base_url", typ: kString, env: "DOSSIER_SOURCES_SENTIMENT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sources.SentimentBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.SentimentBaseURL },
	},
	{
		key: "sources.news_base_url", typ: kString, env: "DOSSIER_SOURCES_NEWS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sources.NewsBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.NewsBaseURL },
	},
	{
		key: "sources.onchain_base_url", typ: kString, env: "DOSSIER_SOURCES_ONCHAIN_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sources.OnchainBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.OnchainBaseURL },
	},
	{
		key: "sources.research_base_url", typ: kString, env: "DOSSIER_SOURCES_RESEARCH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sources.ResearchBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.ResearchBaseURL },
	},
	{
		key: "gate.threshold", typ: kInt, env: "DOSSIER_GATE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Gate.Threshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Gate.Threshold },
	},
	{
		key: "gate.retention_factor", typ: kInt, env: "DOSSIER_GATE_RETENTION_FACTOR",
		apply:   func(cfg *Config, v any) { cfg.Gate.RetentionFactor = v.(int) },
		extract: func(cfg Config) any { return cfg.Gate.RetentionFactor },
	},
	{
		key: "provider.mode", typ: kString, env: "DOSSIER_PROVIDER_MODE",
		apply:   func(cfg *Config, v any) { cfg.Provider.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Mode },
	},
	{
		key: "provider.ollama_base_url", typ: kString, env: "DOSSIER_PROVIDER_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OllamaBaseURL },
	},
	{
		key: "provider.ollama_model", typ: kString, env: "DOSSIER_PROVIDER_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OllamaModel },
	},
	{
		key: "provider.inline_budget", typ: kString, env: "DOSSIER_PROVIDER_INLINE_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Provider.InlineBudget = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.InlineBudget },
	},
	{
		key: "provider.openrouter_api_key", typ: kString, env: "DOSSIER_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterAPIKey },
	},
	{
		key: "provider.openrouter_model", typ: kString, env: "DOSSIER_PROVIDER_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterModel },
	},
	{
		key: "provider.max_attempts", typ: kInt, env: "DOSSIER_PROVIDER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Provider.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.MaxAttempts },
	},
	{
		key: "provider.result_ttl", typ: kString, env: "DOSSIER_PROVIDER_RESULT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Provider.ResultTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.ResultTTL },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "DOSSIER_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.sweep_interval", typ: kString, env: "DOSSIER_WORKER_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.SweepInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.SweepInterval },
	},
}

// Per-kind TTL, timeout, and weight keys are generated so every kind stays
// individually tunable without hand-writing three specs per kind.
func init() {
	for _, kind := range source.AllKinds {
		envKind := strings.ToUpper(string(kind))
		specs = append(specs,
			keySpec{
				key: fmt.Sprintf("kinds.%s.ttl", kind), typ: kString,
				env: "DOSSIER_KIND_" + envKind + "_TTL",
				apply: func(cfg *Config, v any) {
					kc := cfg.Kinds[kind]
					kc.TTL = v.(string)
					cfg.Kinds[kind] = kc
				},
				extract: func(cfg Config) any { return cfg.Kinds[kind].TTL },
			},
			keySpec{
				key: fmt.Sprintf("kinds.%s.timeout", kind), typ: kString,
				env: "DOSSIER_KIND_" + envKind + "_TIMEOUT",
				apply: func(cfg *Config, v any) {
					kc := cfg.Kinds[kind]
					kc.Timeout = v.(string)
					cfg.Kinds[kind] = kc
				},
				extract: func(cfg Config) any { return cfg.Kinds[kind].Timeout },
			},
			keySpec{
				key: fmt.Sprintf("kinds.%s.weight", kind), typ: kInt,
				env: "DOSSIER_KIND_" + envKind + "_WEIGHT",
				apply: func(cfg *Config, v any) {
					kc := cfg.Kinds[kind]
					kc.Weight = v.(int)
					cfg.Kinds[kind] = kc
				},
				extract: func(cfg Config) any { return cfg.Kinds[kind].Weight },
			},
		)
	}
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
