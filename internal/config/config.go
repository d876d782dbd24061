// Package config loads relayd configuration: defaults, then relay.toml,
// then RELAY_* env vars (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Redis     RedisConfig     `toml:"redis"`
	Providers ProvidersConfig `toml:"providers"`
	Tiers     TiersConfig     `toml:"tiers"`
	Budget    BudgetConfig    `toml:"budget"`
	Stream    StreamConfig    `toml:"stream"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	BindAddr        string `toml:"bind_addr"`
	ShutdownTimeout int    `toml:"shutdown_timeout_seconds"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type ProvidersConfig struct {
	OllamaBaseURL    string `toml:"ollama_base_url"`
	OpenAIAPIKey     string `toml:"openai_api_key"`
	OpenAIBaseURL    string `toml:"openai_base_url"`
	AnthropicAPIKey  string `toml:"anthropic_api_key"`
	FireworksAPIKey  string `toml:"fireworks_api_key"`
	FireworksBaseURL string `toml:"fireworks_base_url"`
}

// TiersConfig maps each routing tier to its model list.
type TiersConfig struct {
	LocalFree  []string `toml:"local_free"`
	CloudCheap []string `toml:"cloud_cheap"`
	Vision     []string `toml:"vision"`
	Premium    []string `toml:"premium"`
	Batch      []string `toml:"batch"`
}

type BudgetConfig struct {
	DefaultDailyLimit   float64 `toml:"default_daily_limit"`
	DefaultWeeklyLimit  float64 `toml:"default_weekly_limit"`
	DefaultMonthlyLimit float64 `toml:"default_monthly_limit"`
}

type StreamConfig struct {
	MaxDurationSeconds int `toml:"max_duration_seconds"`
	QualityMinLength   int `toml:"quality_min_length"`
	QualityCheckEvery  int `toml:"quality_check_every"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{BindAddr: ":8090", ShutdownTimeout: 30},
		Redis:  RedisConfig{URL: "redis://localhost:6379/0"},
		Providers: ProvidersConfig{
			OllamaBaseURL:    "http://localhost:11434/v1",
			OpenAIBaseURL:    "https://api.openai.com/v1",
			FireworksBaseURL: "https://api.fireworks.ai/inference/v1",
		},
		Tiers: TiersConfig{
			LocalFree:  []string{"llama3.1:8b", "qwen2.5:14b"},
			CloudCheap: []string{"gpt-4o-mini", "gpt-4.1-mini"},
			Vision:     []string{"gpt-4o"},
			Premium:    []string{"claude-sonnet-4-5", "gpt-4.1"},
			Batch:      []string{"accounts/fireworks/models/llama-v3p1-70b-instruct"},
		},
		Budget: BudgetConfig{
			DefaultDailyLimit:   10,
			DefaultWeeklyLimit:  50,
			DefaultMonthlyLimit: 150,
		},
		Stream: StreamConfig{
			MaxDurationSeconds: 120,
			QualityMinLength:   50,
			QualityCheckEvery:  20,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("RELAY_BIND_ADDR"); v != "" {
		cfg.Server.BindAddr = v
	}
	if v := os.Getenv("RELAY_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("RELAY_OLLAMA_BASE_URL"); v != "" {
		cfg.Providers.OllamaBaseURL = v
	}
	if v := os.Getenv("RELAY_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("RELAY_ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.AnthropicAPIKey = v
	}
	if v := os.Getenv("RELAY_FIREWORKS_API_KEY"); v != "" {
		cfg.Providers.FireworksAPIKey = v
	}
	if os.Getenv("RELAY_OBSERVER_ENABLED") == "true" || os.Getenv("RELAY_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
