package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.BindAddr != ":8090" {
		t.Fatalf("bind addr = %q", cfg.Server.BindAddr)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("redis url = %q", cfg.Redis.URL)
	}
	if cfg.Budget.DefaultDailyLimit != 10 {
		t.Fatalf("daily limit = %f", cfg.Budget.DefaultDailyLimit)
	}
	if len(cfg.Tiers.LocalFree) == 0 || len(cfg.Tiers.Premium) == 0 {
		t.Fatal("default tier model lists empty")
	}
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Server.BindAddr != ":8090" {
		t.Fatalf("bind addr = %q", cfg.Server.BindAddr)
	}
}

func TestLoad_TOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	content := `
[server]
bind_addr = ":9999"

[redis]
url = "redis://redis.internal:6379/1"

[tiers]
local_free = ["mistral:7b"]

[observer]
enabled = true

[observer.pricing."gpt-4o-mini"]
input = 0.15
output = 0.60
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Server.BindAddr != ":9999" {
		t.Fatalf("bind addr = %q", cfg.Server.BindAddr)
	}
	if cfg.Redis.URL != "redis://redis.internal:6379/1" {
		t.Fatalf("redis url = %q", cfg.Redis.URL)
	}
	if len(cfg.Tiers.LocalFree) != 1 || cfg.Tiers.LocalFree[0] != "mistral:7b" {
		t.Fatalf("local free = %v", cfg.Tiers.LocalFree)
	}
	if !cfg.Observer.Enabled {
		t.Fatal("observer not enabled")
	}
	if p := cfg.Observer.Pricing["gpt-4o-mini"]; p.Input != 0.15 || p.Output != 0.60 {
		t.Fatalf("pricing = %+v", p)
	}
	// Untouched sections keep defaults.
	if cfg.Budget.DefaultDailyLimit != 10 {
		t.Fatalf("daily limit = %f", cfg.Budget.DefaultDailyLimit)
	}
}

func TestLoad_EnvWinsOverTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	os.WriteFile(path, []byte("[server]\nbind_addr = \":9999\"\n"), 0o644)

	t.Setenv("RELAY_BIND_ADDR", ":7777")
	t.Setenv("RELAY_OPENAI_API_KEY", "sk-env")
	t.Setenv("RELAY_OBSERVER_ENABLED", "1")

	cfg := Load(path)
	if cfg.Server.BindAddr != ":7777" {
		t.Fatalf("bind addr = %q, env must win", cfg.Server.BindAddr)
	}
	if cfg.Providers.OpenAIAPIKey != "sk-env" {
		t.Fatalf("api key = %q", cfg.Providers.OpenAIAPIKey)
	}
	if !cfg.Observer.Enabled {
		t.Fatal("observer env flag ignored")
	}
}
