package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	content := `
api:
  base_url: "http://example.com/api/v1"
  timeout: 15s

stream:
  url: "wss://example.com/ws/stream"
  base_delay: 2s
  max_delay: 20s

refresh:
  quotes_interval: 45s

watchlist:
  default_symbols:
    - AAPL
    - MSFT

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

logging:
  level: "debug"
  format: "text"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.Timeout != 15*time.Second {
		t.Errorf("Unexpected api timeout: %v", cfg.API.Timeout)
	}
	if cfg.Stream.BaseDelay != 2*time.Second || cfg.Stream.MaxDelay != 20*time.Second {
		t.Errorf("Unexpected backoff: %v..%v", cfg.Stream.BaseDelay, cfg.Stream.MaxDelay)
	}
	if cfg.Refresh.QuotesInterval != 45*time.Second {
		t.Errorf("Unexpected quotes interval: %v", cfg.Refresh.QuotesInterval)
	}
	// untouched keys keep their defaults
	if cfg.Refresh.AlertsInterval != 30*time.Second {
		t.Errorf("Unexpected alerts interval: %v", cfg.Refresh.AlertsInterval)
	}
	if cfg.Stream.StableAfter != 10*time.Second {
		t.Errorf("Unexpected stable_after: %v", cfg.Stream.StableAfter)
	}
	if len(cfg.Watchlist.DefaultSymbols) != 2 {
		t.Errorf("Expected 2 default symbols, got %d", len(cfg.Watchlist.DefaultSymbols))
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Stream.MaxDelay != 30*time.Second {
		t.Errorf("Unexpected max delay: %v", cfg.Stream.MaxDelay)
	}
	if len(cfg.Watchlist.DefaultSymbols) != 5 {
		t.Errorf("Expected 5 default symbols, got %d", len(cfg.Watchlist.DefaultSymbols))
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("QUOTESYNC_STREAM_MAX_DELAY", "45s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stream.MaxDelay != 45*time.Second {
		t.Errorf("env override ignored: %v", cfg.Stream.MaxDelay)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("QUOTESYNC_API_TIMEOUT=20s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("QUOTESYNC_API_TIMEOUT") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.Timeout != 20*time.Second {
		t.Errorf(".env value ignored: %v", cfg.API.Timeout)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Unexpected level: %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing telegram token when enabled", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.ChatID = "1"
		}},
		{"http stream url", func(c *Config) { c.Stream.URL = "http://example.com" }},
		{"empty api url", func(c *Config) { c.API.BaseURL = "" }},
		{"short api timeout", func(c *Config) { c.API.Timeout = time.Second }},
		{"cap below base", func(c *Config) { c.Stream.MaxDelay = c.Stream.BaseDelay / 2 }},
		{"jitter out of range", func(c *Config) { c.Stream.Jitter = 1.5 }},
		{"pong wait shorter than ping", func(c *Config) { c.Stream.PongWait = c.Stream.PingInterval }},
		{"zero feed size", func(c *Config) { c.Alerts.SignalFeedSize = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error")
			}
		})
	}
}
