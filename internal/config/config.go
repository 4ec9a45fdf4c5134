// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	Extractor    ExtractorConfig    `mapstructure:"extractor"`
	Summarizer   SummarizerConfig   `mapstructure:"summarizer"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Output       OutputConfig       `mapstructure:"output"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the crawl engine and HTTP fetcher.
type CrawlerConfig struct {
	Concurrency      int    `mapstructure:"concurrency"`
	MaxDepth         int    `mapstructure:"max_depth"`
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes     int    `mapstructure:"max_body_bytes"`
	IgnoreRobots     bool   `mapstructure:"ignore_robots"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// ExtractorConfig selects how fetched HTML becomes document text.
type ExtractorConfig struct {
	// Name is "markdown" or "text".
	Name string `mapstructure:"name"`
}

// SummarizerConfig configures the LLM provider and summarization engine.
type SummarizerConfig struct {
	Provider      string `mapstructure:"provider"`
	Model         string `mapstructure:"model"`
	APIKey        string `mapstructure:"api_key"`
	BaseURL       string `mapstructure:"base_url"`
	Concurrency   int    `mapstructure:"concurrency"`
	MaxInputChars int    `mapstructure:"max_input_chars"`
	PromptFile    string `mapstructure:"prompt_file"`
	BlacklistFile string `mapstructure:"blacklist_file"`
}

// CheckpointConfig selects the checkpoint store backend.
type CheckpointConfig struct {
	// Backend is "file" (append-only JSONL) or "sqlite".
	Backend string `mapstructure:"backend"`
	// Path overrides the default location under the project directory.
	Path string `mapstructure:"path"`
}

// OutputConfig sets where the manifest and per-URL summaries land.
type OutputConfig struct {
	ProjectDir   string `mapstructure:"project_dir"`
	File         string `mapstructure:"file"`
	SummariesDir string `mapstructure:"summaries_dir"`
}

// OrchestratorConfig selects and tunes the execution mode.
type OrchestratorConfig struct {
	Mode               string `mapstructure:"mode"`
	BatchSize          int    `mapstructure:"batch_size"`
	MaxParallelBatches int    `mapstructure:"max_parallel_batches"`
	ContinueAfterDocs  int    `mapstructure:"continue_after_docs"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment. An empty path skips the config
// file and relies on defaults plus SITESCRIBE_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITESCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a Config from an already-populated Viper
// instance, letting commands bind flags before the final decode.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)

	v.SetDefault("crawler.concurrency", 3)
	v.SetDefault("crawler.max_depth", 5)
	v.SetDefault("crawler.user_agent", "sitescribe/1.0 (+https://github.com/sitescribe/sitescribe)")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.max_body_bytes", 5*1024*1024)
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.backoff_initial_ms", 250)
	v.SetDefault("crawler.backoff_max_ms", 5000)

	v.SetDefault("extractor.name", "markdown")

	v.SetDefault("summarizer.provider", "openai")
	v.SetDefault("summarizer.concurrency", 5)
	v.SetDefault("summarizer.max_input_chars", 32000)

	v.SetDefault("checkpoint.backend", "file")

	v.SetDefault("output.project_dir", "llms_txt")
	v.SetDefault("output.file", "llms.txt")
	v.SetDefault("output.summaries_dir", "summaries")

	v.SetDefault("orchestrator.mode", "local")
	v.SetDefault("orchestrator.batch_size", 10)
	v.SetDefault("orchestrator.max_parallel_batches", 2)
	v.SetDefault("orchestrator.continue_after_docs", 500)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Summarizer.Concurrency <= 0 {
		return fmt.Errorf("summarizer.concurrency must be > 0")
	}
	switch c.Extractor.Name {
	case "", "markdown", "text":
	default:
		return fmt.Errorf("extractor.name must be markdown or text, got %q", c.Extractor.Name)
	}
	switch c.Checkpoint.Backend {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("checkpoint.backend must be file or sqlite, got %q", c.Checkpoint.Backend)
	}
	switch c.Orchestrator.Mode {
	case "", "local", "durable":
	default:
		return fmt.Errorf("orchestrator.mode must be local or durable, got %q", c.Orchestrator.Mode)
	}
	if c.Orchestrator.BatchSize <= 0 {
		return fmt.Errorf("orchestrator.batch_size must be > 0")
	}
	if c.Output.ProjectDir == "" {
		return fmt.Errorf("output.project_dir must be set")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	return nil
}

// FetchTimeout converts the crawler timeout to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// BackoffInitial converts the initial retry backoff to a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Crawler.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the retry backoff ceiling to a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Crawler.BackoffMaxMs) * time.Millisecond
}
