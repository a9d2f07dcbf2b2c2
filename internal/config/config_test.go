package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Scraper.MinDelayMs != 2000 || cfg.Scraper.MaxDelayMs != 5000 {
		t.Errorf("delays = %d/%d", cfg.Scraper.MinDelayMs, cfg.Scraper.MaxDelayMs)
	}
	if cfg.Scraper.UserAgent == "" {
		t.Error("user agent default missing")
	}
	if cfg.Scraper.DefaultMaxPages != 10 {
		t.Errorf("default max pages = %d", cfg.Scraper.DefaultMaxPages)
	}
	if cfg.Worker.MaxConcurrentJobs != 1 {
		t.Errorf("max concurrent jobs = %d", cfg.Worker.MaxConcurrentJobs)
	}
	if cfg.Mappings.TTL() != 5*time.Minute {
		t.Errorf("mappings ttl = %v", cfg.Mappings.TTL())
	}
	if cfg.Stream.PollInterval() != time.Second {
		t.Errorf("stream poll = %v", cfg.Stream.PollInterval())
	}
	if cfg.Enrich.RateLimitRequests == 0 || cfg.Enrich.RateLimitWindowSecs == 0 {
		t.Error("enrich rate limit defaults missing")
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Server:  ServerConfig{Port: 9000},
		Scraper: ScraperConfig{MinDelayMs: 500, MaxDelayMs: 900},
	}
	applyDefaults(&cfg)

	if cfg.Server.Port != 9000 {
		t.Errorf("port overwritten: %d", cfg.Server.Port)
	}
	if cfg.Scraper.MinDelayMs != 500 || cfg.Scraper.MaxDelayMs != 900 {
		t.Errorf("delays overwritten: %d/%d", cfg.Scraper.MinDelayMs, cfg.Scraper.MaxDelayMs)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9090
auth:
  apiKey: secret
scraper:
  minDelayMs: 1000
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Auth.APIKey != "secret" {
		t.Errorf("api key = %q", cfg.Auth.APIKey)
	}
	if cfg.Scraper.MinDelayMs != 1000 {
		t.Errorf("min delay = %d", cfg.Scraper.MinDelayMs)
	}
	// Unset knobs still get defaults.
	if cfg.Scraper.MaxRetries != 3 {
		t.Errorf("max retries = %d", cfg.Scraper.MaxRetries)
	}
}
