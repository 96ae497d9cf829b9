package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the mirror service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        SQLConfig       `yaml:"db"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Rendering RenderingConfig `yaml:"rendering"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Robots    RobotsConfig    `yaml:"robots"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	MaxConcurrent   int      `yaml:"max_concurrent_jobs"`
	QueueSize       int      `yaml:"queue_size"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SQLConfig describes the relational database used for project metadata.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// FetchConfig controls HTTP fetching of documents and resources.
type FetchConfig struct {
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	ProxyURL       string            `yaml:"proxy_url"`
	MaxRetries     int               `yaml:"max_retries"`
	RetryBackoff   Duration          `yaml:"retry_backoff"`
	PerHostDelay   Duration          `yaml:"per_host_delay"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit_per_host"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// RenderingConfig controls the headless-browser document strategy.
type RenderingConfig struct {
	Timeout            Duration `yaml:"timeout"`
	NetworkIdleWait    Duration `yaml:"network_idle_wait"`
	ViewportWidth      int      `yaml:"viewport_width"`
	ViewportHeight     int      `yaml:"viewport_height"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// MirrorConfig bounds a single mirror run.
type MirrorConfig struct {
	OutputRoot      string `yaml:"output_root"`
	MaxCrawlLinks   int    `yaml:"max_crawl_links"`
	MaxFailureNotes int    `yaml:"max_failure_notes"`
}

// RobotsConfig configures robots.txt handling for sub-page crawling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxConcurrent:   4,
			QueueSize:       64,
			ShutdownTimeout: DurationFrom(15 * time.Second),
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Fetch: FetchConfig{
			UserAgent:      "site-snapshot/1.0",
			Headers:        map[string]string{},
			RequestTimeout: DurationFrom(15 * time.Second),
			MaxBodyBytes:   10 * 1024 * 1024,
			MaxRetries:     2,
			RetryBackoff:   DurationFrom(500 * time.Millisecond),
			PerHostDelay:   DurationFrom(100 * time.Millisecond),
		},
		Rendering: RenderingConfig{
			Timeout:            DurationFrom(60 * time.Second),
			NetworkIdleWait:    DurationFrom(1500 * time.Millisecond),
			ViewportWidth:      1920,
			ViewportHeight:     1080,
			ConcurrentSessions: 2,
		},
		Mirror: MirrorConfig{
			OutputRoot:      "snapshots",
			MaxCrawlLinks:   10,
			MaxFailureNotes: 25,
		},
		Robots: RobotsConfig{
			Respect:   true,
			UserAgent: "site-snapshot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants for the mirror service configuration.
func (c Config) Validate() error {
	if c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("server.max_concurrent_jobs must be > 0 (got %d)", c.Server.MaxConcurrent)
	}
	if c.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queue_size must be > 0 (got %d)", c.Server.QueueSize)
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0 (got %d)", c.Fetch.MaxRetries)
	}
	if rl := c.Fetch.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("fetch.rate_limit_per_host.requests must be >= 0 (got %d)", rl.Requests)
	}
	if strings.TrimSpace(c.Mirror.OutputRoot) == "" {
		return errors.New("mirror.output_root must be set")
	}
	if c.Mirror.MaxCrawlLinks < 0 {
		return fmt.Errorf("mirror.max_crawl_links must be >= 0 (got %d)", c.Mirror.MaxCrawlLinks)
	}
	if c.Rendering.ViewportWidth <= 0 || c.Rendering.ViewportHeight <= 0 {
		return fmt.Errorf("rendering viewport must be positive (got %dx%d)", c.Rendering.ViewportWidth, c.Rendering.ViewportHeight)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	return nil
}

func (c *Config) normalise() {
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Fetch.ProxyURL = strings.TrimSpace(c.Fetch.ProxyURL)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Mirror.OutputRoot = strings.TrimSpace(c.Mirror.OutputRoot)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = map[string]string{}
	}
	// The crawl cap is a hard product limit, not a tunable.
	if c.Mirror.MaxCrawlLinks == 0 || c.Mirror.MaxCrawlLinks > 10 {
		c.Mirror.MaxCrawlLinks = 10
	}
	if c.Mirror.MaxFailureNotes <= 0 {
		c.Mirror.MaxFailureNotes = 25
	}
}
