package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "RETAILPIPE_"

type Config struct {
	App        AppConfig        `yaml:"app"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Policy     PolicyConfig     `yaml:"policy"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Workdir string `yaml:"workdir"`
}

type PipelineConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"run_on_start"`
	Shell      string        `yaml:"shell"`
	Steps      []StepConfig  `yaml:"steps"`
}

// StepConfig declares one external pipeline stage. Steps run in declared order.
type StepConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

type MonitoringConfig struct {
	Driver                 string  `yaml:"driver"`
	DSN                    string  `yaml:"dsn"`
	Table                  string  `yaml:"table"`
	TransactionalTable     string  `yaml:"transactional_table"`
	AggregatedTable        string  `yaml:"aggregated_table"`
	SchemaFile             string  `yaml:"schema_file"`
	SchemaSection          string  `yaml:"schema_section"`
	RowDropPct             float64 `yaml:"row_drop_pct"`
	RevenueChangePct       float64 `yaml:"revenue_change_pct"`
	MissingColumnsCritical bool    `yaml:"missing_columns_critical"`
	AlertMinSeverity       string  `yaml:"alert_min_severity"`
}

type AlertsConfig struct {
	Channel         string         `yaml:"channel"`
	DeliveryTimeout time.Duration  `yaml:"delivery_timeout"`
	Webhook         WebhookConfig  `yaml:"webhook"`
	SMTP            SMTPConfig     `yaml:"smtp"`
	Telegram        TelegramConfig `yaml:"telegram"`
	Discord         DiscordConfig  `yaml:"discord"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
}

type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	ChatID      int64  `yaml:"chat_id"`
	APIEndpoint string `yaml:"api_endpoint,omitempty"`
}

type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type HealthConfig struct {
	File string `yaml:"file"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Dir          string `yaml:"dir"`
	File         string `yaml:"file"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	MaxBackups   int    `yaml:"max_backups"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter"`
}

type PolicyConfig struct {
	DenyPatterns []string `yaml:"deny_patterns"`
	// DenySteps disables steps by name; a disabled step fails the cycle.
	DenySteps []string `yaml:"deny_steps"`
}

// Default returns the configuration used when no file is given. Step
// commands mirror the stock generate/ingest/transform/load scripts.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "retailpipe", Workdir: "."},
		Pipeline: PipelineConfig{
			Interval:   24 * time.Hour,
			RunOnStart: true,
			Shell:      "sh",
			Steps: []StepConfig{
				{Name: "generate", Command: "python scripts/generate_fake_sales.py"},
				{Name: "extract", Command: "python scripts/extract_sales.py"},
				{Name: "transform", Command: "python scripts/transform_sales.py"},
				{Name: "load", Command: "python scripts/load_to_db.py"},
			},
		},
		Monitoring: MonitoringConfig{
			Driver:                 "sqlite",
			DSN:                    "db/retail_sales.db",
			Table:                  "monitoring_log",
			TransactionalTable:     "sales_transactional",
			AggregatedTable:        "sales_aggregated",
			SchemaFile:             "schema_config.json",
			SchemaSection:          "sales",
			RowDropPct:             0.5,
			RevenueChangePct:       0.3,
			MissingColumnsCritical: true,
			AlertMinSeverity:       "warning",
		},
		Alerts: AlertsConfig{
			Channel:         "none",
			DeliveryTimeout: 10 * time.Second,
			SMTP:            SMTPConfig{Port: 587},
		},
		Health: HealthConfig{File: "logs/pipeline_health.json"},
		Logging: LoggingConfig{
			Level:        "info",
			Dir:          "logs",
			File:         "retailpipe.log",
			MaxSizeBytes: 1_000_000,
			MaxBackups:   5,
		},
		Server: ServerConfig{
			Enabled:         false,
			Addr:            ":8088",
			ShutdownTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{Exporter: "none"},
		Policy: PolicyConfig{
			DenyPatterns: []string{`rm\s+-rf\s+/`, `mkfs`, `shutdown`, `reboot`},
		},
	}
}

// LoadConfig reads a YAML (or JSON) file on top of the defaults, applies
// RETAILPIPE_* environment overrides and validates the result. An empty path
// skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	c.Pipeline.Interval, err = Duration(envPrefix+"PIPELINE_INTERVAL", c.Pipeline.Interval)
	if err != nil {
		return err
	}
	c.Pipeline.RunOnStart, err = Bool(envPrefix+"PIPELINE_RUN_ON_START", c.Pipeline.RunOnStart)
	if err != nil {
		return err
	}
	c.Pipeline.Shell = String(envPrefix+"PIPELINE_SHELL", c.Pipeline.Shell)

	c.Monitoring.Driver = String(envPrefix+"MONITORING_DRIVER", c.Monitoring.Driver)
	c.Monitoring.DSN = String(envPrefix+"MONITORING_DSN", c.Monitoring.DSN)
	c.Monitoring.SchemaFile = String(envPrefix+"MONITORING_SCHEMA_FILE", c.Monitoring.SchemaFile)
	c.Monitoring.RowDropPct, err = Float(envPrefix+"MONITORING_ROW_DROP_PCT", c.Monitoring.RowDropPct)
	if err != nil {
		return err
	}
	c.Monitoring.RevenueChangePct, err = Float(envPrefix+"MONITORING_REVENUE_CHANGE_PCT", c.Monitoring.RevenueChangePct)
	if err != nil {
		return err
	}
	c.Monitoring.MissingColumnsCritical, err = Bool(envPrefix+"MONITORING_MISSING_COLUMNS_CRITICAL", c.Monitoring.MissingColumnsCritical)
	if err != nil {
		return err
	}
	c.Monitoring.AlertMinSeverity = String(envPrefix+"MONITORING_ALERT_MIN_SEVERITY", c.Monitoring.AlertMinSeverity)

	c.Alerts.Channel = String(envPrefix+"ALERTS_CHANNEL", c.Alerts.Channel)
	c.Alerts.DeliveryTimeout, err = Duration(envPrefix+"ALERTS_DELIVERY_TIMEOUT", c.Alerts.DeliveryTimeout)
	if err != nil {
		return err
	}
	// SLACK_WEBHOOK_URL is honoured for existing deployments.
	c.Alerts.Webhook.URL = String("SLACK_WEBHOOK_URL", c.Alerts.Webhook.URL)
	c.Alerts.Webhook.URL = String(envPrefix+"ALERTS_WEBHOOK_URL", c.Alerts.Webhook.URL)
	c.Alerts.SMTP.Host = String(envPrefix+"ALERTS_SMTP_HOST", c.Alerts.SMTP.Host)
	c.Alerts.SMTP.Port, err = Int(envPrefix+"ALERTS_SMTP_PORT", c.Alerts.SMTP.Port)
	if err != nil {
		return err
	}
	c.Alerts.SMTP.User = String(envPrefix+"ALERTS_SMTP_USER", c.Alerts.SMTP.User)
	c.Alerts.SMTP.Password = String(envPrefix+"ALERTS_SMTP_PASSWORD", c.Alerts.SMTP.Password)
	c.Alerts.SMTP.From = String(envPrefix+"ALERTS_SMTP_FROM", c.Alerts.SMTP.From)
	if to := String(envPrefix+"ALERTS_SMTP_TO", ""); to != "" {
		c.Alerts.SMTP.To = splitList(to)
	}
	c.Alerts.Telegram.Token = String(envPrefix+"ALERTS_TELEGRAM_TOKEN", c.Alerts.Telegram.Token)
	chatID, err := Int(envPrefix+"ALERTS_TELEGRAM_CHAT_ID", int(c.Alerts.Telegram.ChatID))
	if err != nil {
		return err
	}
	c.Alerts.Telegram.ChatID = int64(chatID)
	c.Alerts.Discord.WebhookURL = String(envPrefix+"ALERTS_DISCORD_WEBHOOK_URL", c.Alerts.Discord.WebhookURL)

	c.Health.File = String(envPrefix+"HEALTH_FILE", c.Health.File)
	c.Logging.Level = String(envPrefix+"LOG_LEVEL", c.Logging.Level)
	c.Logging.Dir = String(envPrefix+"LOG_DIR", c.Logging.Dir)

	c.Server.Enabled, err = Bool(envPrefix+"SERVER_ENABLED", c.Server.Enabled)
	if err != nil {
		return err
	}
	c.Server.Addr = String(envPrefix+"SERVER_ADDR", c.Server.Addr)
	c.Tracing.Exporter = String(envPrefix+"TRACING_EXPORTER", c.Tracing.Exporter)
	return nil
}

func (c *Config) Validate() error {
	if c.Pipeline.Interval <= 0 {
		return errors.New("pipeline.interval must be positive")
	}
	if strings.TrimSpace(c.Pipeline.Shell) == "" {
		return errors.New("pipeline.shell is required")
	}
	if len(c.Pipeline.Steps) == 0 {
		return errors.New("pipeline.steps must declare at least one step")
	}
	seen := make(map[string]bool, len(c.Pipeline.Steps))
	for i, s := range c.Pipeline.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("pipeline.steps[%d].name is required", i)
		}
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("pipeline.steps[%d].command is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline.steps[%d]: duplicate step name %q", i, s.Name)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("pipeline.steps[%d].timeout must be >= 0", i)
		}
		seen[s.Name] = true
	}

	switch c.Monitoring.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("monitoring.driver %q is not supported (sqlite, pgx)", c.Monitoring.Driver)
	}
	if c.Monitoring.DSN == "" {
		return errors.New("monitoring.dsn is required")
	}
	if c.Monitoring.Table == "" || c.Monitoring.TransactionalTable == "" || c.Monitoring.AggregatedTable == "" {
		return errors.New("monitoring table names are required")
	}
	if c.Monitoring.RowDropPct <= 0 || c.Monitoring.RowDropPct > 1 {
		return errors.New("monitoring.row_drop_pct must be in (0, 1]")
	}
	if c.Monitoring.RevenueChangePct <= 0 {
		return errors.New("monitoring.revenue_change_pct must be positive")
	}
	switch strings.ToLower(c.Monitoring.AlertMinSeverity) {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("monitoring.alert_min_severity %q is not one of info, warning, critical", c.Monitoring.AlertMinSeverity)
	}

	if c.Alerts.DeliveryTimeout <= 0 {
		return errors.New("alerts.delivery_timeout must be positive")
	}
	switch c.Alerts.Channel {
	case "", "none":
	case "webhook":
		if c.Alerts.Webhook.URL == "" {
			return errors.New("alerts.webhook.url is required for the webhook channel")
		}
	case "smtp":
		if c.Alerts.SMTP.Host == "" || c.Alerts.SMTP.Port <= 0 {
			return errors.New("alerts.smtp.host and alerts.smtp.port are required for the smtp channel")
		}
		if c.Alerts.SMTP.From == "" || len(c.Alerts.SMTP.To) == 0 {
			return errors.New("alerts.smtp.from and alerts.smtp.to are required for the smtp channel")
		}
	case "telegram":
		if c.Alerts.Telegram.Token == "" || c.Alerts.Telegram.ChatID == 0 {
			return errors.New("alerts.telegram.token and alerts.telegram.chat_id are required for the telegram channel")
		}
	case "discord":
		if c.Alerts.Discord.WebhookURL == "" {
			return errors.New("alerts.discord.webhook_url is required for the discord channel")
		}
	default:
		return fmt.Errorf("alerts.channel %q is not supported", c.Alerts.Channel)
	}

	if c.Health.File == "" {
		return errors.New("health.file is required")
	}
	if c.Logging.MaxBackups < 0 {
		return errors.New("logging.max_backups must be >= 0")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr is required when the server is enabled")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter %q is not supported (none, stdout)", c.Tracing.Exporter)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
