package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration for the sentinel monitor.
// Values are resolved from (highest precedence first): SENTINEL_* environment
// variables, an optional YAML file, and built-in defaults.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	LLM       LLMConfig
	Runner    RunnerConfig
	Scheduler SchedulerConfig
	Webhook   WebhookConfig
	Alerts    AlertsConfig
	Logging   LoggingConfig
}

// ServerConfig configures the admin HTTP listener.
type ServerConfig struct {
	Port int
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string
}

// LLMConfig configures the OpenAI-compatible gateway.
type LLMConfig struct {
	Enabled        bool
	APIKey         string
	Model          string
	TimeoutSeconds int
}

// RunnerConfig configures default HTTP execution parameters applied to
// every monitored endpoint.
type RunnerConfig struct {
	TimeoutSeconds      int
	MaxAttempts         int
	RetryBackoffSeconds int
}

// SchedulerConfig configures the periodic job engine.
type SchedulerConfig struct {
	Enabled       bool
	MaxConcurrent int
}

// WebhookConfig configures outbound alert delivery.
type WebhookConfig struct {
	Enabled        bool
	URL            string
	TimeoutSeconds int
}

// AlertsConfig configures the alert threshold gate.
type AlertsConfig struct {
	MinRiskLevel string
}

// LoggingConfig configures the root zap logger.
type LoggingConfig struct {
	Level      string
	Format     string // "json" or "console"
	File       string // empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads configuration from the environment and an optional YAML file.
// An empty path skips file loading entirely.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("server.port"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		LLM: LLMConfig{
			Enabled:        v.GetBool("llm.enabled"),
			APIKey:         v.GetString("llm.api_key"),
			Model:          v.GetString("llm.model"),
			TimeoutSeconds: v.GetInt("llm.timeout_seconds"),
		},
		Runner: RunnerConfig{
			TimeoutSeconds:      v.GetInt("runner.timeout_seconds"),
			MaxAttempts:         v.GetInt("runner.max_attempts"),
			RetryBackoffSeconds: v.GetInt("runner.retry_backoff_seconds"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       v.GetBool("scheduler.enabled"),
			MaxConcurrent: v.GetInt("scheduler.max_concurrent"),
		},
		Webhook: WebhookConfig{
			Enabled:        v.GetBool("webhook.enabled"),
			URL:            v.GetString("webhook.url"),
			TimeoutSeconds: v.GetInt("webhook.timeout_seconds"),
		},
		Alerts: AlertsConfig{
			MinRiskLevel: strings.ToUpper(v.GetString("alerts.min_risk_level")),
		},
		Logging: LoggingConfig{
			Level:      v.GetString("logging.level"),
			Format:     v.GetString("logging.format"),
			File:       v.GetString("logging.file"),
			MaxSizeMB:  v.GetInt("logging.max_size_mb"),
			MaxBackups: v.GetInt("logging.max_backups"),
			MaxAgeDays: v.GetInt("logging.max_age_days"),
			Compress:   v.GetBool("logging.compress"),
		},
	}

	// Conventional provider variable wins when the prefixed one is unset.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("database.path", "sentinel.db")
	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("runner.timeout_seconds", 30)
	v.SetDefault("runner.max_attempts", 2)
	v.SetDefault("runner.retry_backoff_seconds", 1)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.max_concurrent", 5)
	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout_seconds", 10)
	v.SetDefault("alerts.min_risk_level", "MEDIUM")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

var validRiskLevels = map[string]bool{
	"LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true,
}

// Validate checks cross-field constraints and reports every violation at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range 1-65535", c.Server.Port))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path must not be empty")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		problems = append(problems, "llm.timeout_seconds must be positive")
	}
	if c.Runner.TimeoutSeconds <= 0 {
		problems = append(problems, "runner.timeout_seconds must be positive")
	}
	if c.Runner.MaxAttempts < 1 {
		problems = append(problems, "runner.max_attempts must be at least 1")
	}
	if c.Runner.RetryBackoffSeconds < 0 {
		problems = append(problems, "runner.retry_backoff_seconds must not be negative")
	}
	if c.Scheduler.MaxConcurrent < 1 {
		problems = append(problems, "scheduler.max_concurrent must be at least 1")
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		problems = append(problems, "webhook.url is required when webhook.enabled")
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		problems = append(problems, "webhook.timeout_seconds must be positive")
	}
	if !validRiskLevels[c.Alerts.MinRiskLevel] {
		problems = append(problems, fmt.Sprintf("alerts.min_risk_level %q must be one of LOW, MEDIUM, HIGH, CRITICAL", c.Alerts.MinRiskLevel))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		problems = append(problems, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LLMTimeout returns the gateway request timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// RunnerTimeout returns the per-attempt HTTP timeout as a duration.
func (c *Config) RunnerTimeout() time.Duration {
	return time.Duration(c.Runner.TimeoutSeconds) * time.Second
}

// RunnerBackoff returns the base retry backoff as a duration.
func (c *Config) RunnerBackoff() time.Duration {
	return time.Duration(c.Runner.RetryBackoffSeconds) * time.Second
}

// WebhookTimeout returns the webhook request timeout as a duration.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.TimeoutSeconds) * time.Second
}
