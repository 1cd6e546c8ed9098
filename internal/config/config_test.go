package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Crawler.Timeout.Duration != 30*time.Second {
		t.Errorf("default timeout = %s", cfg.Crawler.Timeout)
	}
	if cfg.Crawler.MaxRetries != 2 {
		t.Errorf("default max retries = %d", cfg.Crawler.MaxRetries)
	}
	if cfg.Crawler.MaxRedirects != 5 {
		t.Errorf("default max redirects = %d", cfg.Crawler.MaxRedirects)
	}
	if !cfg.Crawler.RespectRobotsTxt || !cfg.Crawler.RespectMetaTags {
		t.Error("robots and meta tags should be respected by default")
	}
	if cfg.Dedup.SimhashThreshold != 3 {
		t.Errorf("default simhash threshold = %d", cfg.Dedup.SimhashThreshold)
	}
	if cfg.Politeness.MinDelay.Duration != 50*time.Millisecond ||
		cfg.Politeness.MaxDelay.Duration != 2*time.Second {
		t.Error("politeness delay defaults are wrong")
	}
	if cfg.Output.Format != "json" || cfg.Output.BatchSize != 1000 {
		t.Error("output defaults are wrong")
	}
}

func TestLoadFromReader(t *testing.T) {
	yaml := `
crawler:
  timeout: 10s
  user_agent: "custom-bot/2.0"
  max_file_size_mb: 10
politeness:
  min_delay: 25ms
urls:
  - https://a.test/
  - https://b.test/
  - https://a.test/
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crawler.Timeout.Duration != 10*time.Second {
		t.Errorf("timeout = %s", cfg.Crawler.Timeout)
	}
	if cfg.Crawler.UserAgent != "custom-bot/2.0" {
		t.Errorf("user agent = %q", cfg.Crawler.UserAgent)
	}
	if cfg.Crawler.RobotsUserAgent != "custom-bot/2.0" {
		t.Errorf("robots user agent should default to the crawler's: %q", cfg.Crawler.RobotsUserAgent)
	}
	if cfg.Politeness.MinDelay.Duration != 25*time.Millisecond {
		t.Errorf("min delay = %s", cfg.Politeness.MinDelay)
	}
	if len(cfg.URLs) != 2 {
		t.Errorf("seed urls should be deduplicated: %v", cfg.URLs)
	}
	// Unset sections keep defaults.
	if cfg.Crawler.MaxRetries != 2 {
		t.Errorf("unset max_retries should keep default, got %d", cfg.Crawler.MaxRetries)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	yaml := "crawler:\n  no_such_option: true\nurls:\n  - https://a.test/\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("unknown fields must be rejected")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.URLs = []string{"https://a.test/"}
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no seeds without api", func(c *Config) { c.URLs = nil }},
		{"empty user agent", func(c *Config) { c.Crawler.UserAgent = " " }},
		{"zero timeout", func(c *Config) { c.Crawler.Timeout = Duration{} }},
		{"negative retries", func(c *Config) { c.Crawler.MaxRetries = -1 }},
		{"zero file size", func(c *Config) { c.Crawler.MaxFileSizeMB = 0 }},
		{"min above max delay", func(c *Config) {
			c.Politeness.MinDelay = DurationFrom(3 * time.Second)
		}},
		{"bad alpha", func(c *Config) { c.Politeness.LatencyEMAAlpha = 1.5 }},
		{"bad jitter", func(c *Config) { c.Politeness.JitterPct = 120 }},
		{"bad threshold", func(c *Config) { c.Dedup.SimhashThreshold = 65 }},
		{"bad format", func(c *Config) { c.Output.Format = "parquet" }},
		{"zero batch", func(c *Config) { c.Output.BatchSize = 0 }},
		{"empty frontier path", func(c *Config) { c.Frontier.Path = "" }},
		{"bad api port", func(c *Config) { c.API.Enabled = true; c.API.Port = 0 }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestAPIEnabledAllowsEmptySeeds(t *testing.T) {
	cfg := Default()
	cfg.API.Enabled = true
	cfg.API.Port = 8089
	if err := cfg.Validate(); err != nil {
		t.Fatalf("api-driven config should not require seeds: %v", err)
	}
}

func TestDurationForms(t *testing.T) {
	yaml := "crawler:\n  timeout: 15\nurls:\n  - https://a.test/\n"
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crawler.Timeout.Duration != 15*time.Second {
		t.Errorf("numeric duration = %s, want 15s", cfg.Crawler.Timeout)
	}

	var d Duration
	if err := d.UnmarshalText([]byte("250ms")); err != nil {
		t.Fatalf("unmarshal text: %v", err)
	}
	if d.Duration != 250*time.Millisecond {
		t.Errorf("duration = %s", d)
	}
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("invalid duration should fail")
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	cfg := Default()
	if got := cfg.Crawler.MaxFileSizeBytes(); got != 100*1024*1024 {
		t.Errorf("MaxFileSizeBytes = %d", got)
	}
}
