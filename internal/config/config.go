package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime int    `yaml:"connMaxLifetimeMinutes"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	APIKey string `yaml:"apiKey"`
}

type ScraperConfig struct {
	MinDelayMs      int    `yaml:"minDelayMs"`
	MaxDelayMs      int    `yaml:"maxDelayMs"`
	UserAgent       string `yaml:"userAgent"`
	TimeoutMs       int    `yaml:"timeoutMs"`
	MaxRetries      int    `yaml:"maxRetries"`
	DefaultMaxPages int    `yaml:"defaultMaxPages"`
}

func (s ScraperConfig) MinDelay() time.Duration { return time.Duration(s.MinDelayMs) * time.Millisecond }
func (s ScraperConfig) MaxDelay() time.Duration { return time.Duration(s.MaxDelayMs) * time.Millisecond }
func (s ScraperConfig) Timeout() time.Duration  { return time.Duration(s.TimeoutMs) * time.Millisecond }

type WorkerConfig struct {
	PollIntervalMs    int `yaml:"pollIntervalMs"`
	MaxConcurrentJobs int `yaml:"maxConcurrentJobs"`
	StaleJobMinutes   int `yaml:"staleJobMinutes"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

type MappingsConfig struct {
	TTLSeconds int `yaml:"ttlSeconds"`
}

func (m MappingsConfig) TTL() time.Duration { return time.Duration(m.TTLSeconds) * time.Second }

type StreamConfig struct {
	PollIntervalMs int `yaml:"pollIntervalMs"`
	HeartbeatEvery int `yaml:"heartbeatEvery"`
}

func (s StreamConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

type EnrichConfig struct {
	Provider            string  `yaml:"provider"`
	APIKey              string  `yaml:"apiKey"`
	Model               string  `yaml:"model"`
	Temperature         float64 `yaml:"temperature"`
	RateLimitRequests   int     `yaml:"rateLimitRequests"`
	RateLimitWindowSecs int     `yaml:"rateLimitWindowSecs"`
}

type CORSConfig struct {
	AllowOrigins string `yaml:"allowOrigins"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Scraper  ScraperConfig  `yaml:"scraper"`
	Worker   WorkerConfig   `yaml:"worker"`
	Mappings MappingsConfig `yaml:"mappings"`
	Stream   StreamConfig   `yaml:"stream"`
	Enrich   EnrichConfig   `yaml:"enrich"`
	CORS     CORSConfig     `yaml:"cors"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills in zero-value knobs after decode so a minimal
// config file still yields a runnable server.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Scraper.MinDelayMs == 0 {
		cfg.Scraper.MinDelayMs = 2000
	}
	if cfg.Scraper.MaxDelayMs == 0 {
		cfg.Scraper.MaxDelayMs = 5000
	}
	if cfg.Scraper.UserAgent == "" {
		cfg.Scraper.UserAgent = "MoradaBot/1.0 (+contact: ops@morada.example)"
	}
	if cfg.Scraper.TimeoutMs == 0 {
		cfg.Scraper.TimeoutMs = 120000
	}
	if cfg.Scraper.MaxRetries == 0 {
		cfg.Scraper.MaxRetries = 3
	}
	if cfg.Scraper.DefaultMaxPages == 0 {
		cfg.Scraper.DefaultMaxPages = 10
	}
	if cfg.Worker.PollIntervalMs == 0 {
		cfg.Worker.PollIntervalMs = 2000
	}
	if cfg.Worker.MaxConcurrentJobs == 0 {
		cfg.Worker.MaxConcurrentJobs = 1
	}
	if cfg.Worker.StaleJobMinutes == 0 {
		cfg.Worker.StaleJobMinutes = 120
	}
	if cfg.Mappings.TTLSeconds == 0 {
		cfg.Mappings.TTLSeconds = 300
	}
	if cfg.Stream.PollIntervalMs == 0 {
		cfg.Stream.PollIntervalMs = 1000
	}
	if cfg.Stream.HeartbeatEvery == 0 {
		cfg.Stream.HeartbeatEvery = 15
	}
	if cfg.Enrich.RateLimitRequests == 0 {
		cfg.Enrich.RateLimitRequests = 20
	}
	if cfg.Enrich.RateLimitWindowSecs == 0 {
		cfg.Enrich.RateLimitWindowSecs = 60
	}
}
