package config

import (
	"fmt"
	"strings"
	"time"
)

// Auth modes accepted by AUTH_MODE.
const (
	AuthModeOpen     = "open"
	AuthModeEnforced = "enforced"
)

// Process manager backends accepted by PROCESS_MANAGER.
const (
	ProcessManagerPM2    = "pm2"
	ProcessManagerDocker = "docker"
	ProcessManagerNone   = "none"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string `mapstructure:"app_env"`
	Addr          string `mapstructure:"api_addr"`
	DatabaseURL   string `mapstructure:"database_url"`
	MigrationsDir string `mapstructure:"db_migrations_dir"`
	LogLevel      string `mapstructure:"log_level"`

	AuthMode      string        `mapstructure:"auth_mode"`
	OperatorToken string        `mapstructure:"operator_token"`
	IngestToken   string        `mapstructure:"ingest_token"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`

	RateLimitRedisAddr string        `mapstructure:"rate_limit_redis_addr"`
	RateLimitRedisPass string        `mapstructure:"rate_limit_redis_password"`
	RateLimitRedisDB   int           `mapstructure:"rate_limit_redis_db"`
	RateLimitRequests  int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window"`

	SlowRequestEnabled   bool    `mapstructure:"slow_request_enabled"`
	SlowRequestWarnMS    int64   `mapstructure:"slow_request_warn_ms"`
	SlowRequestErrorMS   int64   `mapstructure:"slow_request_error_ms"`
	ErrorRateEnabled     bool    `mapstructure:"error_rate_enabled"`
	ErrorRateThreshold   float64 `mapstructure:"error_rate_threshold"`
	ErrorRateMinRequests int64   `mapstructure:"error_rate_min_requests"`

	AlertAutoResolveAfter time.Duration `mapstructure:"alert_auto_resolve_after"`
	AlertSweepInterval    time.Duration `mapstructure:"alert_sweep_interval"`

	RollupEnabled      bool          `mapstructure:"rollup_enabled"`
	RollupTriggerAt    string        `mapstructure:"rollup_trigger_at"`
	RollupTimezone     string        `mapstructure:"rollup_timezone"`
	RollupGuilds       []string      `mapstructure:"rollup_guilds"`
	RollupTopN         int           `mapstructure:"rollup_top_n"`
	RollupConcurrency  int           `mapstructure:"rollup_concurrency"`
	RollupGuildTimeout time.Duration `mapstructure:"rollup_guild_timeout"`

	ProcessManager      string        `mapstructure:"process_manager"`
	PM2Binary           string        `mapstructure:"pm2_binary"`
	ProcessPrimary      string        `mapstructure:"process_primary"`
	ProcessSecondary    []string      `mapstructure:"process_secondary"`
	ProcessPollTimeout  time.Duration `mapstructure:"process_poll_timeout"`
	ProcessPollInterval time.Duration `mapstructure:"process_poll_interval"`

	MetricsWindow          time.Duration `mapstructure:"metrics_window"`
	MetricsFineRetention   time.Duration `mapstructure:"metrics_fine_retention"`
	MetricsCoarseRetention time.Duration `mapstructure:"metrics_coarse_retention"`
	MetricsMaxSamples      int           `mapstructure:"metrics_max_samples"`
}

var apiDefaults = map[string]any{
	"app_env":           "development",
	"api_addr":          ":4000",
	"database_url":      "postgres://embed:embed@db:5432/embed?sslmode=disable",
	"db_migrations_dir": "db/migrations",
	"log_level":         "info",

	"auth_mode":      "",
	"operator_token": "",
	"ingest_token":   "",
	"session_ttl":    time.Hour,

	"rate_limit_redis_addr":     "",
	"rate_limit_redis_password": "",
	"rate_limit_redis_db":       0,
	"rate_limit_requests":       120,
	"rate_limit_window":         time.Minute,

	"slow_request_enabled":    true,
	"slow_request_warn_ms":    1000,
	"slow_request_error_ms":   3000,
	"error_rate_enabled":      true,
	"error_rate_threshold":    0.1,
	"error_rate_min_requests": 50,

	"alert_auto_resolve_after": 15 * time.Minute,
	"alert_sweep_interval":     time.Minute,

	"rollup_enabled":       true,
	"rollup_trigger_at":    "00:05",
	"rollup_timezone":      "UTC",
	"rollup_guilds":        []string{},
	"rollup_top_n":         10,
	"rollup_concurrency":   4,
	"rollup_guild_timeout": 2 * time.Minute,

	"process_manager":       ProcessManagerPM2,
	"pm2_binary":            "pm2",
	"process_primary":       "discord-bot",
	"process_secondary":     []string{"discord-api"},
	"process_poll_timeout":  3 * time.Second,
	"process_poll_interval": 30 * time.Second,

	"metrics_window":           time.Minute,
	"metrics_fine_retention":   6 * time.Hour,
	"metrics_coarse_retention": 48 * time.Hour,
	"metrics_max_samples":      512,
}

// LoadAPIConfig constructs an APIConfig from defaults, the optional config
// file and environment variables.
func LoadAPIConfig() (APIConfig, error) {
	var cfg APIConfig
	v, err := newViper(apiDefaults)
	if err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	cfg.RollupGuilds = splitList(cfg.RollupGuilds)
	cfg.ProcessSecondary = splitList(cfg.ProcessSecondary)
	cfg.ProcessManager = strings.ToLower(strings.TrimSpace(cfg.ProcessManager))
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthModeOpen
		if cfg.OperatorToken != "" {
			cfg.AuthMode = AuthModeEnforced
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c APIConfig) validate() error {
	switch c.AuthMode {
	case AuthModeOpen:
	case AuthModeEnforced:
		if c.OperatorToken == "" {
			return fmt.Errorf("auth_mode %q requires OPERATOR_TOKEN", c.AuthMode)
		}
	default:
		return fmt.Errorf("invalid auth_mode %q", c.AuthMode)
	}
	switch c.ProcessManager {
	case ProcessManagerPM2, ProcessManagerDocker, ProcessManagerNone:
	default:
		return fmt.Errorf("invalid process_manager %q", c.ProcessManager)
	}
	if _, err := time.Parse("15:04", c.RollupTriggerAt); err != nil {
		return fmt.Errorf("invalid rollup_trigger_at %q: %w", c.RollupTriggerAt, err)
	}
	if _, err := time.LoadLocation(c.RollupTimezone); err != nil {
		return fmt.Errorf("invalid rollup_timezone %q: %w", c.RollupTimezone, err)
	}
	if c.ErrorRateThreshold < 0 || c.ErrorRateThreshold > 1 {
		return fmt.Errorf("error_rate_threshold must be within [0,1], got %v", c.ErrorRateThreshold)
	}
	if c.SlowRequestWarnMS < 0 || c.SlowRequestErrorMS < 0 {
		return fmt.Errorf("slow request thresholds must not be negative")
	}
	return nil
}

// RollupLocation returns the configured rollup time zone.
func (c APIConfig) RollupLocation() *time.Location {
	loc, err := time.LoadLocation(c.RollupTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
