package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "sentinel.db", cfg.Database.Path)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.False(t, cfg.Webhook.Enabled)
	assert.Equal(t, "MEDIUM", cfg.Alerts.MinRiskLevel)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_SERVER_PORT", "9999")
	t.Setenv("SENTINEL_SCHEDULER_MAX_CONCURRENT", "10")
	t.Setenv("SENTINEL_ALERTS_MIN_RISK_LEVEL", "high")
	t.Setenv("SENTINEL_WEBHOOK_ENABLED", "true")
	t.Setenv("SENTINEL_WEBHOOK_URL", "https://hooks.test/alerts")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, "HIGH", cfg.Alerts.MinRiskLevel)
	assert.True(t, cfg.Webhook.Enabled)
	assert.Equal(t, "https://hooks.test/alerts", cfg.Webhook.URL)
}

func TestLoadOpenAIKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey)
}

func TestPrefixedKeyWinsOverProviderKey(t *testing.T) {
	t.Setenv("SENTINEL_LLM_API_KEY", "sk-prefixed")
	t.Setenv("OPENAI_API_KEY", "sk-provider")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-prefixed", cfg.LLM.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SENTINEL_ALERTS_MIN_RISK_LEVEL", "URGENT")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_risk_level")
}

func TestValidateWebhookURLRequired(t *testing.T) {
	t.Setenv("SENTINEL_WEBHOOK_ENABLED", "true")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.url")
}

func TestValidateCollectsMultipleProblems(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{Port: 0},
		Database:  DatabaseConfig{Path: ""},
		LLM:       LLMConfig{TimeoutSeconds: 30},
		Runner:    RunnerConfig{TimeoutSeconds: 30, MaxAttempts: 1},
		Scheduler: SchedulerConfig{MaxConcurrent: 5},
		Webhook:   WebhookConfig{TimeoutSeconds: 10},
		Alerts:    AlertsConfig{MinRiskLevel: "MEDIUM"},
		Logging:   LoggingConfig{Format: "json"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "database.path")
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.LLMTimeout())
	assert.Equal(t, 30*time.Second, cfg.RunnerTimeout())
	assert.Equal(t, 1*time.Second, cfg.RunnerBackoff())
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout())
}
