package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the planner syncer.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. YAML configuration file and environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithConfigFile("/etc/plannersync/config.yaml"),
//	    WithRedisURL("redis://localhost:6379"),
//	)
type Config struct {
	// Name identifies this syncer instance in logs and health snapshots.
	Name string `yaml:"name" env:"PLANNERSYNC_NAME" default:"plannersync"`

	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	Planner   PlannerConfig   `yaml:"planner"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Sync      SyncConfig      `yaml:"sync"`
	Health    HealthConfig    `yaml:"health"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RedisConfig contains connection settings for the conscious-state store.
type RedisConfig struct {
	URL       string `yaml:"url" env:"PLANNERSYNC_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
	DB        int    `yaml:"db" env:"PLANNERSYNC_REDIS_DB" default:"0"`
	Namespace string `yaml:"namespace" env:"PLANNERSYNC_REDIS_NAMESPACE"`
}

// HTTPConfig contains settings for the exposed HTTP surface
// (webhook receiver and health endpoint).
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"PLANNERSYNC_HTTP_ADDR" default:":8085"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"PLANNERSYNC_HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"PLANNERSYNC_HTTP_WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"PLANNERSYNC_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// PlannerConfig contains settings for the external planner HTTP API.
type PlannerConfig struct {
	BaseURL         string            `yaml:"base_url" env:"PLANNERSYNC_PLANNER_BASE_URL"`
	GroupID         string            `yaml:"group_id" env:"PLANNERSYNC_PLANNER_GROUP_ID"`
	DefaultPlanID   string            `yaml:"default_plan_id" env:"PLANNERSYNC_DEFAULT_PLAN_ID"`
	DefaultBucketID string            `yaml:"default_bucket_id" env:"PLANNERSYNC_DEFAULT_BUCKET_ID"`
	RequestTimeout  time.Duration     `yaml:"request_timeout" env:"PLANNERSYNC_PLANNER_TIMEOUT" default:"30s"`
	RateLimit       int               `yaml:"rate_limit" env:"PLANNERSYNC_PLANNER_RATE_LIMIT" default:"300"`
	RateWindow      time.Duration     `yaml:"rate_window" env:"PLANNERSYNC_PLANNER_RATE_WINDOW" default:"5m"`
	UserIDMap       map[string]string `yaml:"user_id_map"`
}

// AuthConfig contains settings for the dual-credential token service.
type AuthConfig struct {
	TokenURL        string        `yaml:"token_url" env:"PLANNERSYNC_AUTH_TOKEN_URL"`
	ClientID        string        `yaml:"client_id" env:"PLANNERSYNC_AUTH_CLIENT_ID"`
	ClientSecret    string        `yaml:"client_secret" env:"PLANNERSYNC_AUTH_CLIENT_SECRET"`
	Username        string        `yaml:"username" env:"PLANNERSYNC_AUTH_USERNAME"`
	Password        string        `yaml:"password" env:"PLANNERSYNC_AUTH_PASSWORD"`
	Scopes          []string      `yaml:"scopes"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"PLANNERSYNC_AUTH_REFRESH_INTERVAL" default:"60s"`
	RefreshAhead    time.Duration `yaml:"refresh_ahead" env:"PLANNERSYNC_AUTH_REFRESH_AHEAD" default:"15m"`
}

// WebhookConfig contains settings for the notification receiver.
type WebhookConfig struct {
	PublicURL         string `yaml:"public_url" env:"PLANNERSYNC_WEBHOOK_PUBLIC_URL"`
	ClientStatePrefix string `yaml:"client_state_prefix" env:"PLANNERSYNC_WEBHOOK_CLIENT_STATE_PREFIX" default:"plannersync"`
	QueueSize         int    `yaml:"queue_size" env:"PLANNERSYNC_WEBHOOK_QUEUE_SIZE" default:"1024"`
}

// SyncConfig contains settings for the upload and download pipelines.
type SyncConfig struct {
	UploadWorkers       int           `yaml:"upload_workers" env:"PLANNERSYNC_UPLOAD_WORKERS" default:"4"`
	DownloadWorkers     int           `yaml:"download_workers" env:"PLANNERSYNC_DOWNLOAD_WORKERS" default:"4"`
	DebounceMin         time.Duration `yaml:"debounce_min" env:"PLANNERSYNC_DEBOUNCE_MIN" default:"500ms"`
	DebounceMax         time.Duration `yaml:"debounce_max" env:"PLANNERSYNC_DEBOUNCE_MAX" default:"2s"`
	DriftInterval       time.Duration `yaml:"drift_interval" env:"PLANNERSYNC_DRIFT_INTERVAL" default:"30s"`
	PollIntervalActive  time.Duration `yaml:"poll_interval_active" env:"PLANNERSYNC_POLL_INTERVAL_ACTIVE" default:"60s"`
	PollIntervalQuiet   time.Duration `yaml:"poll_interval_quiet" env:"PLANNERSYNC_POLL_INTERVAL_QUIET" default:"30m"`
	ConflictGraceWindow time.Duration `yaml:"conflict_grace_window" env:"PLANNERSYNC_CONFLICT_GRACE_WINDOW" default:"30s"`
	ConflictPrefer      string        `yaml:"conflict_prefer" env:"PLANNERSYNC_CONFLICT_PREFER" default:"remote"`
	PendingSoftLimit    int           `yaml:"pending_soft_limit" env:"PLANNERSYNC_PENDING_SOFT_LIMIT" default:"10000"`
	TargetList          string        `yaml:"target_list" env:"PLANNERSYNC_TARGET_LIST" default:"planner_sync"`
}

// HealthConfig contains settings for health snapshots and housekeeping.
type HealthConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"PLANNERSYNC_HEALTH_INTERVAL" default:"5m"`
	TTL              time.Duration `yaml:"ttl" env:"PLANNERSYNC_HEALTH_TTL" default:"5m"`
	MappingMaxAge    time.Duration `yaml:"mapping_max_age" env:"PLANNERSYNC_MAPPING_MAX_AGE" default:"24h"`
}

// TelemetryConfig contains observability settings. The endpoint should be an
// OTLP receiver address; when empty, spans go to stdout in debug builds.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"PLANNERSYNC_TELEMETRY_ENABLED" default:"false"`
	Endpoint    string `yaml:"endpoint" env:"PLANNERSYNC_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"PLANNERSYNC_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME" default:"plannersync"`
	Insecure    bool   `yaml:"insecure" env:"PLANNERSYNC_TELEMETRY_INSECURE" default:"true"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"PLANNERSYNC_LOG_LEVEL,LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"PLANNERSYNC_LOG_FORMAT" default:"json"`
}

// Option is a functional option for Config.
type Option func(*Config) error

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "plannersync",
		Redis: RedisConfig{
			URL: "redis://localhost:6379",
		},
		HTTP: HTTPConfig{
			Addr:            ":8085",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Planner: PlannerConfig{
			RequestTimeout: 30 * time.Second,
			RateLimit:      300,
			RateWindow:     5 * time.Minute,
			UserIDMap:      map[string]string{},
		},
		Auth: AuthConfig{
			RefreshInterval: 60 * time.Second,
			RefreshAhead:    15 * time.Minute,
		},
		Webhook: WebhookConfig{
			ClientStatePrefix: "plannersync",
			QueueSize:         1024,
		},
		Sync: SyncConfig{
			UploadWorkers:       4,
			DownloadWorkers:     4,
			DebounceMin:         500 * time.Millisecond,
			DebounceMax:         2 * time.Second,
			DriftInterval:       30 * time.Second,
			PollIntervalActive:  60 * time.Second,
			PollIntervalQuiet:   30 * time.Minute,
			ConflictGraceWindow: 30 * time.Second,
			ConflictPrefer:      "remote",
			PendingSoftLimit:    10000,
			TargetList:          "planner_sync",
		},
		Health: HealthConfig{
			SnapshotInterval: 5 * time.Minute,
			TTL:              5 * time.Minute,
			MappingMaxAge:    24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "plannersync",
			Insecure:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// NewConfig builds a Config from defaults, environment and options, in that
// order of precedence, then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and consistent.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required: %w", ErrMissingConfiguration)
	}
	if c.Planner.BaseURL == "" {
		return fmt.Errorf("planner.base_url is required: %w", ErrMissingConfiguration)
	}
	if c.Planner.DefaultPlanID == "" {
		return fmt.Errorf("planner.default_plan_id is required for creates: %w", ErrMissingConfiguration)
	}
	if c.Webhook.PublicURL == "" {
		return fmt.Errorf("webhook.public_url is required: %w", ErrMissingConfiguration)
	}
	if c.Sync.DebounceMin > c.Sync.DebounceMax {
		return fmt.Errorf("sync.debounce_min %v exceeds debounce_max %v: %w",
			c.Sync.DebounceMin, c.Sync.DebounceMax, ErrInvalidConfiguration)
	}
	switch c.Sync.ConflictPrefer {
	case "remote", "agent":
	default:
		return fmt.Errorf("sync.conflict_prefer must be remote or agent, got %q: %w",
			c.Sync.ConflictPrefer, ErrInvalidConfiguration)
	}
	if c.Sync.UploadWorkers <= 0 || c.Sync.DownloadWorkers <= 0 {
		return fmt.Errorf("worker pool sizes must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// applyEnvOverrides reads the recognized environment variables. Only variables
// that are set override the current values.
func (c *Config) applyEnvOverrides() {
	envStr(&c.Name, "PLANNERSYNC_NAME")
	envStr(&c.Redis.URL, "PLANNERSYNC_REDIS_URL", "REDIS_URL")
	envInt(&c.Redis.DB, "PLANNERSYNC_REDIS_DB")
	envStr(&c.Redis.Namespace, "PLANNERSYNC_REDIS_NAMESPACE")

	envStr(&c.HTTP.Addr, "PLANNERSYNC_HTTP_ADDR")
	envDur(&c.HTTP.ReadTimeout, "PLANNERSYNC_HTTP_READ_TIMEOUT")
	envDur(&c.HTTP.WriteTimeout, "PLANNERSYNC_HTTP_WRITE_TIMEOUT")
	envDur(&c.HTTP.ShutdownTimeout, "PLANNERSYNC_HTTP_SHUTDOWN_TIMEOUT")

	envStr(&c.Planner.BaseURL, "PLANNERSYNC_PLANNER_BASE_URL")
	envStr(&c.Planner.DefaultPlanID, "PLANNERSYNC_DEFAULT_PLAN_ID")
	envStr(&c.Planner.DefaultBucketID, "PLANNERSYNC_DEFAULT_BUCKET_ID")
	envDur(&c.Planner.RequestTimeout, "PLANNERSYNC_PLANNER_TIMEOUT")
	envInt(&c.Planner.RateLimit, "PLANNERSYNC_PLANNER_RATE_LIMIT")
	envDur(&c.Planner.RateWindow, "PLANNERSYNC_PLANNER_RATE_WINDOW")

	envStr(&c.Auth.TokenURL, "PLANNERSYNC_AUTH_TOKEN_URL")
	envStr(&c.Auth.ClientID, "PLANNERSYNC_AUTH_CLIENT_ID")
	envStr(&c.Auth.ClientSecret, "PLANNERSYNC_AUTH_CLIENT_SECRET")
	envStr(&c.Auth.Username, "PLANNERSYNC_AUTH_USERNAME")
	envStr(&c.Auth.Password, "PLANNERSYNC_AUTH_PASSWORD")
	envDur(&c.Auth.RefreshInterval, "PLANNERSYNC_AUTH_REFRESH_INTERVAL")
	envDur(&c.Auth.RefreshAhead, "PLANNERSYNC_AUTH_REFRESH_AHEAD")

	envStr(&c.Webhook.PublicURL, "PLANNERSYNC_WEBHOOK_PUBLIC_URL")
	envStr(&c.Webhook.ClientStatePrefix, "PLANNERSYNC_WEBHOOK_CLIENT_STATE_PREFIX")
	envInt(&c.Webhook.QueueSize, "PLANNERSYNC_WEBHOOK_QUEUE_SIZE")

	envInt(&c.Sync.UploadWorkers, "PLANNERSYNC_UPLOAD_WORKERS")
	envInt(&c.Sync.DownloadWorkers, "PLANNERSYNC_DOWNLOAD_WORKERS")
	envDur(&c.Sync.DebounceMin, "PLANNERSYNC_DEBOUNCE_MIN")
	envDur(&c.Sync.DebounceMax, "PLANNERSYNC_DEBOUNCE_MAX")
	envDur(&c.Sync.DriftInterval, "PLANNERSYNC_DRIFT_INTERVAL")
	envDur(&c.Sync.PollIntervalActive, "PLANNERSYNC_POLL_INTERVAL_ACTIVE")
	envDur(&c.Sync.PollIntervalQuiet, "PLANNERSYNC_POLL_INTERVAL_QUIET")
	envDur(&c.Sync.ConflictGraceWindow, "PLANNERSYNC_CONFLICT_GRACE_WINDOW")
	envStr(&c.Sync.ConflictPrefer, "PLANNERSYNC_CONFLICT_PREFER")
	envInt(&c.Sync.PendingSoftLimit, "PLANNERSYNC_PENDING_SOFT_LIMIT")
	envStr(&c.Sync.TargetList, "PLANNERSYNC_TARGET_LIST")

	envDur(&c.Health.SnapshotInterval, "PLANNERSYNC_HEALTH_INTERVAL")
	envDur(&c.Health.TTL, "PLANNERSYNC_HEALTH_TTL")
	envDur(&c.Health.MappingMaxAge, "PLANNERSYNC_MAPPING_MAX_AGE")

	envBool(&c.Telemetry.Enabled, "PLANNERSYNC_TELEMETRY_ENABLED")
	envStr(&c.Telemetry.Endpoint, "PLANNERSYNC_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	envStr(&c.Telemetry.ServiceName, "PLANNERSYNC_TELEMETRY_SERVICE_NAME", "OTEL_SERVICE_NAME")
	envBool(&c.Telemetry.Insecure, "PLANNERSYNC_TELEMETRY_INSECURE")

	envStr(&c.Logging.Level, "PLANNERSYNC_LOG_LEVEL", "LOG_LEVEL")
	envStr(&c.Logging.Format, "PLANNERSYNC_LOG_FORMAT")
}

func envStr(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
			return
		}
	}
}

func envBool(dst *bool, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
			return
		}
	}
}

func envDur(dst *time.Duration, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
			return
		}
	}
}

// WithConfigFile loads a YAML configuration file over the current values.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, ErrInvalidConfiguration)
		}
		return nil
	}
}

// WithName overrides the instance name.
func WithName(name string) Option {
	return func(c *Config) error {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithRedisURL overrides the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithPlanner overrides the planner endpoint and default plan.
func WithPlanner(baseURL, defaultPlanID string) Option {
	return func(c *Config) error {
		c.Planner.BaseURL = baseURL
		c.Planner.DefaultPlanID = defaultPlanID
		return nil
	}
}

// WithWebhookPublicURL overrides the externally visible webhook URL.
func WithWebhookPublicURL(url string) Option {
	return func(c *Config) error {
		c.Webhook.PublicURL = url
		return nil
	}
}

// WithUserIDMap overrides the agent-identifier to remote-user-id map used
// for assignments.
func WithUserIDMap(m map[string]string) Option {
	return func(c *Config) error {
		c.Planner.UserIDMap = m
		return nil
	}
}
