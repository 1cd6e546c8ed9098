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

// Config captures the full configuration required to initialise the crawler.
type Config struct {
	Crawler    CrawlerConfig    `yaml:"crawler"`
	Politeness PolitenessConfig `yaml:"politeness"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Output     OutputConfig     `yaml:"output"`
	Frontier   FrontierConfig   `yaml:"frontier"`
	URLs       []string         `yaml:"urls"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Logging    LoggingConfig    `yaml:"logging"`
	Job        JobConfig        `yaml:"job"`
	Stats      StatsConfig      `yaml:"stats"`
}

// CrawlerConfig controls fetching, redirects, robots handling, and limits.
type CrawlerConfig struct {
	Timeout           Duration          `yaml:"timeout"`
	MaxRetries        int               `yaml:"max_retries"`
	RetryBackoff      Duration          `yaml:"retry_backoff"`
	UserAgent         string            `yaml:"user_agent"`
	FollowRedirects   bool              `yaml:"follow_redirects"`
	MaxRedirects      int               `yaml:"max_redirects"`
	RespectRobotsTxt  bool              `yaml:"respect_robots_txt"`
	RespectMetaTags   bool              `yaml:"respect_meta_tags"`
	MaxFileSizeMB     int64             `yaml:"max_file_size_mb"`
	MaxBodyBytes      int64             `yaml:"max_body_bytes"`
	VerifyTLS         bool              `yaml:"verify_tls"`
	Headers           map[string]string `yaml:"headers"`
	RobotsUserAgent   string            `yaml:"robots_user_agent"`
}

// PolitenessConfig tunes the adaptive inter-request delay.
type PolitenessConfig struct {
	EnableAdaptiveDelay bool            `yaml:"enable_adaptive_delay"`
	MinDelay            Duration        `yaml:"min_delay"`
	MaxDelay            Duration        `yaml:"max_delay"`
	BaseDelay           Duration        `yaml:"base_delay"`
	LatencyEMAAlpha     float64         `yaml:"latency_ema_alpha"`
	FailureBackoff      Duration        `yaml:"failure_backoff"`
	JitterPct           int             `yaml:"jitter_pct"`
	PerHostRate         RateLimitConfig `yaml:"per_host_rate"`
}

// RateLimitConfig applies an optional token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// DedupConfig controls SimHash content deduplication.
type DedupConfig struct {
	Enabled          bool `yaml:"enabled"`
	SimhashThreshold int  `yaml:"simhash_threshold"`
}

// OutputConfig selects the dataset output format and location.
type OutputConfig struct {
	Format    string `yaml:"format"`
	Dir       string `yaml:"dir"`
	BatchSize int    `yaml:"batch_size"`
}

// FrontierConfig locates the persistent frontier store.
type FrontierConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the admission endpoint. When enabled, configured
// seed URLs are ignored and work arrives dynamically.
type APIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// MetricsConfig points at a ClickHouse-compatible HTTP metrics sink.
type MetricsConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	Database       string   `yaml:"database"`
	MetricsTable   string   `yaml:"metrics_table"`
	LinkGraphTable string   `yaml:"link_graph_table"`
	User           string   `yaml:"user"`
	Password       string   `yaml:"password"`
	Timeout        Duration `yaml:"timeout"`
}

// Enabled reports whether the metrics sink is configured.
func (m MetricsConfig) Enabled() bool {
	return strings.TrimSpace(m.Endpoint) != ""
}

// ArchiveConfig describes an optional relational archive for records.
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Enabled reports whether the relational archive is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Driver != "" && a.DSN != ""
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// JobConfig identifies the run; RunID is generated when left empty.
type JobConfig struct {
	RunID string `yaml:"run_id"`
}

// StatsConfig toggles the periodic stats reporter.
type StatsConfig struct {
	Periodic bool `yaml:"periodic"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawler: CrawlerConfig{
			Timeout:          DurationFrom(30 * time.Second),
			MaxRetries:       2,
			RetryBackoff:     DurationFrom(200 * time.Millisecond),
			UserAgent:        "webharvest/1.0",
			FollowRedirects:  true,
			MaxRedirects:     5,
			RespectRobotsTxt: true,
			RespectMetaTags:  true,
			MaxFileSizeMB:    100,
			MaxBodyBytes:     0,
			VerifyTLS:        false,
			Headers:          map[string]string{},
		},
		Politeness: PolitenessConfig{
			EnableAdaptiveDelay: true,
			MinDelay:            DurationFrom(50 * time.Millisecond),
			MaxDelay:            DurationFrom(2 * time.Second),
			BaseDelay:           DurationFrom(150 * time.Millisecond),
			LatencyEMAAlpha:     0.2,
			FailureBackoff:      DurationFrom(250 * time.Millisecond),
			JitterPct:           10,
		},
		Dedup: DedupConfig{
			Enabled:          true,
			SimhashThreshold: 3,
		},
		Output: OutputConfig{
			Format:    "json",
			Dir:       "./output",
			BatchSize: 1000,
		},
		Frontier: FrontierConfig{
			Path: "./data/frontier",
		},
		API: APIConfig{
			Enabled:     false,
			BindAddress: "127.0.0.1",
			Port:        8089,
		},
		Metrics: MetricsConfig{
			Database:       "default",
			MetricsTable:   "crawler_metrics",
			LinkGraphTable: "crawler_link_graph",
			Timeout:        DurationFrom(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		Stats: StatsConfig{
			Periodic: true,
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

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	if !c.API.Enabled && len(c.URLs) == 0 {
		return errors.New("at least one seed url must be configured unless the api is enabled")
	}
	if strings.TrimSpace(c.Crawler.UserAgent) == "" {
		return errors.New("crawler.user_agent must be set")
	}
	if c.Crawler.Timeout.Duration <= 0 {
		return fmt.Errorf("crawler.timeout must be > 0 (got %s)", c.Crawler.Timeout)
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0 (got %d)", c.Crawler.MaxRetries)
	}
	if c.Crawler.MaxRedirects < 0 {
		return fmt.Errorf("crawler.max_redirects must be >= 0 (got %d)", c.Crawler.MaxRedirects)
	}
	if c.Crawler.MaxFileSizeMB <= 0 {
		return fmt.Errorf("crawler.max_file_size_mb must be > 0 (got %d)", c.Crawler.MaxFileSizeMB)
	}
	if c.Politeness.MinDelay.Duration > c.Politeness.MaxDelay.Duration {
		return fmt.Errorf("politeness.min_delay %s exceeds max_delay %s",
			c.Politeness.MinDelay, c.Politeness.MaxDelay)
	}
	if a := c.Politeness.LatencyEMAAlpha; a < 0 || a > 1 {
		return fmt.Errorf("politeness.latency_ema_alpha must be in [0,1] (got %g)", a)
	}
	if p := c.Politeness.JitterPct; p < 0 || p > 100 {
		return fmt.Errorf("politeness.jitter_pct must be in [0,100] (got %d)", p)
	}
	if c.Dedup.SimhashThreshold < 0 || c.Dedup.SimhashThreshold > 64 {
		return fmt.Errorf("dedup.simhash_threshold must be in [0,64] (got %d)", c.Dedup.SimhashThreshold)
	}
	switch c.Output.Format {
	case "json", "csv", "both":
	default:
		return fmt.Errorf("output.format must be json, csv, or both (got %q)", c.Output.Format)
	}
	if c.Output.BatchSize <= 0 {
		return fmt.Errorf("output.batch_size must be > 0 (got %d)", c.Output.BatchSize)
	}
	if strings.TrimSpace(c.Frontier.Path) == "" {
		return errors.New("frontier.path must be set")
	}
	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("api.port must be in (0,65535] (got %d)", c.API.Port)
		}
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawler.UserAgent = strings.TrimSpace(c.Crawler.UserAgent)
	c.Crawler.RobotsUserAgent = strings.TrimSpace(c.Crawler.RobotsUserAgent)
	if c.Crawler.RobotsUserAgent == "" {
		c.Crawler.RobotsUserAgent = c.Crawler.UserAgent
	}
	if c.Crawler.Headers == nil {
		c.Crawler.Headers = map[string]string{}
	}
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	c.Output.Dir = strings.TrimSpace(c.Output.Dir)
	c.Frontier.Path = strings.TrimSpace(c.Frontier.Path)
	c.Metrics.Endpoint = strings.TrimSpace(c.Metrics.Endpoint)
	c.Job.RunID = strings.TrimSpace(c.Job.RunID)

	seeds := make([]string, 0, len(c.URLs))
	seen := make(map[string]struct{}, len(c.URLs))
	for _, raw := range c.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		seeds = append(seeds, u)
	}
	c.URLs = seeds
}

// MaxFileSizeBytes converts the configured megabyte limit to bytes.
func (c CrawlerConfig) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}
