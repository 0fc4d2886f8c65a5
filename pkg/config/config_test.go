package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Pipeline.Interval)
	assert.True(t, cfg.Pipeline.RunOnStart)
	assert.Len(t, cfg.Pipeline.Steps, 4)
	assert.Equal(t, "generate", cfg.Pipeline.Steps[0].Name)
	assert.Equal(t, 0.5, cfg.Monitoring.RowDropPct)
	assert.Equal(t, 0.3, cfg.Monitoring.RevenueChangePct)
	assert.True(t, cfg.Monitoring.MissingColumnsCritical)
	assert.Equal(t, "none", cfg.Alerts.Channel)
	assert.Equal(t, "logs/pipeline_health.json", cfg.Health.File)
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := writeFile(t, "retailpipe.yaml", `
pipeline:
  interval: 6h
  steps:
    - name: extract
      command: ./extract.sh
      timeout: 30s
    - name: load
      command: ./load.sh
monitoring:
  row_drop_pct: 0.25
  revenue_change_pct: 0.1
alerts:
  channel: webhook
  webhook:
    url: http://hooks.local/x
policy:
  deny_steps: [generate]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 6*time.Hour, cfg.Pipeline.Interval)
	require.Len(t, cfg.Pipeline.Steps, 2)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Steps[0].Timeout)
	assert.Equal(t, 0.25, cfg.Monitoring.RowDropPct)
	assert.Equal(t, 0.1, cfg.Monitoring.RevenueChangePct)
	// Untouched sections keep their defaults.
	assert.Equal(t, "monitoring_log", cfg.Monitoring.Table)
	assert.Equal(t, "http://hooks.local/x", cfg.Alerts.Webhook.URL)
	assert.Equal(t, []string{"generate"}, cfg.Policy.DenySteps)
}

func TestLoadConfig_JSONFile(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "app": {"name": "retail", "workdir": "/srv/retail"},
  "health": {"file": "/tmp/health.json"}
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/retail", cfg.App.Workdir)
	assert.Equal(t, "/tmp/health.json", cfg.Health.File)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RETAILPIPE_MONITORING_ROW_DROP_PCT", "0.4")
	t.Setenv("RETAILPIPE_MONITORING_REVENUE_CHANGE_PCT", "0.2")
	t.Setenv("RETAILPIPE_PIPELINE_INTERVAL", "1h")
	t.Setenv("RETAILPIPE_ALERTS_CHANNEL", "smtp")
	t.Setenv("RETAILPIPE_ALERTS_SMTP_HOST", "smtp.local")
	t.Setenv("RETAILPIPE_ALERTS_SMTP_FROM", "bot@local")
	t.Setenv("RETAILPIPE_ALERTS_SMTP_TO", "a@local, b@local")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 0.4, cfg.Monitoring.RowDropPct)
	assert.Equal(t, 0.2, cfg.Monitoring.RevenueChangePct)
	assert.Equal(t, time.Hour, cfg.Pipeline.Interval)
	assert.Equal(t, []string{"a@local", "b@local"}, cfg.Alerts.SMTP.To)
}

func TestLoadConfig_SlackWebhookFallback(t *testing.T) {
	t.Setenv("SLACK_WEBHOOK_URL", "http://slack.local/hook")
	t.Setenv("RETAILPIPE_ALERTS_CHANNEL", "webhook")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "http://slack.local/hook", cfg.Alerts.Webhook.URL)
}

func TestLoadConfig_InvalidEnv(t *testing.T) {
	t.Setenv("RETAILPIPE_MONITORING_ROW_DROP_PCT", "half")
	_, err := LoadConfig("")
	require.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no steps", func(c *Config) { c.Pipeline.Steps = nil }},
		{"empty step command", func(c *Config) { c.Pipeline.Steps[0].Command = " " }},
		{"duplicate step", func(c *Config) { c.Pipeline.Steps[1].Name = c.Pipeline.Steps[0].Name }},
		{"zero interval", func(c *Config) { c.Pipeline.Interval = 0 }},
		{"unknown driver", func(c *Config) { c.Monitoring.Driver = "mysql" }},
		{"row drop above one", func(c *Config) { c.Monitoring.RowDropPct = 1.5 }},
		{"bad severity", func(c *Config) { c.Monitoring.AlertMinSeverity = "loud" }},
		{"webhook without url", func(c *Config) { c.Alerts.Channel = "webhook" }},
		{"telegram without chat", func(c *Config) {
			c.Alerts.Channel = "telegram"
			c.Alerts.Telegram.Token = "t"
		}},
		{"unknown channel", func(c *Config) { c.Alerts.Channel = "pager" }},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
