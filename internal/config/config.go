// Package config loads service configuration from an optional YAML file and
// REPLYWATCH_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/replywatch/internal/deadline"
	"github.com/tjfontaine/replywatch/internal/notify"
)

// EnvPrefix prefixes every environment override. Nested keys use "__",
// e.g. REPLYWATCH_TRACKING__MISSED_THRESHOLD=10m.
const EnvPrefix = "REPLYWATCH_"

type Config struct {
	NodeID    int64           `koanf:"node_id"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Storage   StorageConfig   `koanf:"storage"`
	Tracking  TrackingConfig  `koanf:"tracking"`
	Matcher   MatcherConfig   `koanf:"matcher"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	Notify    NotifyConfig    `koanf:"notify"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Export    ExportConfig    `koanf:"export"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// IdentityHeader names the header carrying the proxy-verified caller.
	IdentityHeader string  `koanf:"identity_header"`
	RatePerSecond  float64 `koanf:"rate_per_second"`
	Burst          int     `koanf:"burst"`
}

type LoggingConfig struct {
	Format string `koanf:"format"` // json, text
	Level  string `koanf:"level"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, postgres
	DSN    string       `koanf:"dsn"`
	SQLite SQLiteConfig `koanf:"sqlite"`
	// RestoreWindow bounds how far back terminal messages are reloaded at
	// startup. Awaiting messages are always reloaded.
	RestoreWindow time.Duration `koanf:"restore_window"`
	// Retention evicts terminal messages older than this from memory.
	Retention time.Duration `koanf:"retention"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TrackingConfig struct {
	MissedThreshold     time.Duration      `koanf:"missed_threshold"`
	DeferredGracePeriod time.Duration      `koanf:"deferred_grace_period"`
	Reminders           []time.Duration    `koanf:"reminders"`
	WorkingHours        WorkingHoursConfig `koanf:"working_hours"`
}

type WorkingHoursConfig struct {
	Start    string `koanf:"start"` // "09:00"
	End      string `koanf:"end"`   // "19:00"
	Timezone string `koanf:"timezone"`
}

type MatcherConfig struct {
	ResolveAll bool `koanf:"resolve_all"`
}

type AnalyticsConfig struct {
	RequireNonEmpty    bool            `koanf:"require_non_empty"`
	ExceededThresholds []time.Duration `koanf:"exceeded_thresholds"`
	Timezone           string          `koanf:"timezone"`
}

type NotifyConfig struct {
	// Sinks lists enabled transports: log, webhook, amqp, redis.
	Sinks         []string      `koanf:"sinks"`
	QueueSize     int           `koanf:"queue_size"`
	Overflow      string        `koanf:"overflow"` // drop_newest, drop_oldest
	RatePerSecond float64       `koanf:"rate_per_second"`
	Burst         int           `koanf:"burst"`
	Timeout       time.Duration `koanf:"timeout"`
	Webhook       WebhookConfig `koanf:"webhook"`
	AMQP          AMQPConfig    `koanf:"amqp"`
	Redis         RedisConfig   `koanf:"redis"`
}

type WebhookConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Retries int               `koanf:"retries"`
	Backoff time.Duration     `koanf:"backoff"`
	Headers map[string]string `koanf:"headers"`
}

type AMQPConfig struct {
	URL        string `koanf:"url"`
	Exchange   string `koanf:"exchange"`
	RoutingKey string `koanf:"routing_key"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Stream   string `koanf:"stream"`
	MaxLen   int64  `koanf:"max_len"`
}

type IngestConfig struct {
	AMQP AMQPIngestConfig `koanf:"amqp"`
}

type AMQPIngestConfig struct {
	Enabled     bool     `koanf:"enabled"`
	URL         string   `koanf:"url"`
	Exchange    string   `koanf:"exchange"`
	Queue       string   `koanf:"queue"`
	BindingKeys []string `koanf:"binding_keys"`
	Prefetch    int      `koanf:"prefetch"`
}

type ExportConfig struct {
	Enabled bool   `koanf:"enabled"`
	Cron    string `koanf:"cron"`
	Period  string `koanf:"period"`
	CSVDir  string `koanf:"csv_dir"`
	Reports bool   `koanf:"reports"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                    8080,
	"server.request_timeout":         "30s",
	"server.shutdown_timeout":        "15s",
	"server.identity_header":         "X-Authenticated-User",
	"logging.format":                 "json",
	"logging.level":                  "info",
	"storage.type":                   "memory",
	"storage.restore_window":         "24h",
	"tracking.missed_threshold":      "5m",
	"tracking.deferred_grace_period": "0s",
	"analytics.timezone":             "UTC",
	"notify.sinks":                   []string{"log"},
	"notify.queue_size":              1024,
	"notify.overflow":                "drop_newest",
	"notify.timeout":                 "10s",
	"notify.webhook.timeout":         "5s",
	"notify.webhook.retries":         2,
	"notify.webhook.backoff":         "500ms",
	"notify.redis.stream":            "replywatch:notifications",
	"ingest.amqp.queue":              "replywatch.ingest",
	"export.period":                  "today",
	"export.csv_dir":                 "exports",
	"telemetry.service_name":         "replywatch",
}

// Load reads path (skipped when empty or missing), then environment
// overrides, then fills defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Notify.Webhook.URL = substituteEnvVars(cfg.Notify.Webhook.URL)
	for h, v := range cfg.Notify.Webhook.Headers {
		cfg.Notify.Webhook.Headers[h] = substituteEnvVars(v)
	}
	cfg.Notify.AMQP.URL = substituteEnvVars(cfg.Notify.AMQP.URL)
	cfg.Notify.Redis.Password = substituteEnvVars(cfg.Notify.Redis.Password)
	cfg.Ingest.AMQP.URL = substituteEnvVars(cfg.Ingest.AMQP.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if _, err := c.TrackingPolicy(); err != nil {
		return err
	}
	if _, err := notify.ParseOverflowPolicy(c.Notify.Overflow); err != nil {
		return err
	}
	if _, err := c.AnalyticsLocation(); err != nil {
		return err
	}
	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify.queue_size must be positive")
	}
	for _, s := range c.Notify.Sinks {
		switch s {
		case "log", "webhook", "amqp", "redis":
		default:
			return fmt.Errorf("unknown notify sink %q", s)
		}
	}
	return nil
}

// TrackingPolicy builds the deadline policy from the tracking section.
func (c *Config) TrackingPolicy() (deadline.Policy, error) {
	p := deadline.Policy{
		MissedThreshold:     c.Tracking.MissedThreshold,
		DeferredGracePeriod: c.Tracking.DeferredGracePeriod,
		Reminders:           c.Tracking.Reminders,
	}
	wh := c.Tracking.WorkingHours
	if wh.Start != "" || wh.End != "" {
		hours, err := deadline.ParseWorkingHours(wh.Start, wh.End, wh.Timezone)
		if err != nil {
			return deadline.Policy{}, fmt.Errorf("tracking.working_hours: %w", err)
		}
		p.WorkingHours = hours
	}
	if err := p.Validate(); err != nil {
		return deadline.Policy{}, fmt.Errorf("tracking: %w", err)
	}
	return p, nil
}

// AnalyticsLocation resolves analytics.timezone.
func (c *Config) AnalyticsLocation() (*time.Location, error) {
	if c.Analytics.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Analytics.Timezone)
	if err != nil {
		return nil, fmt.Errorf("analytics.timezone: %w", err)
	}
	return loc, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
