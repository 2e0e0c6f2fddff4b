package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for surveycron.
// Values are loaded from environment variables; see the root command help for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`
	PollBatchSize   int           `json:"poll_batch_size"`

	// LeaseDuration must exceed DeliveryTimeout: a firing has to finish inside its lease.
	LeaseDuration      time.Duration `json:"-"`
	LeaseDurationStr   string        `json:"lease_duration"`
	DeliveryTimeout    time.Duration `json:"-"`
	DeliveryTimeoutStr string        `json:"delivery_timeout"`

	WorkerCount           int           `json:"worker_count"`
	WorkerID              string        `json:"worker_id,omitempty"`
	WorkerDrainTimeout    time.Duration `json:"-"`
	WorkerDrainTimeoutStr string        `json:"worker_drain_timeout"`
	EventBusBufferSize    int           `json:"eventbus_buffer_size"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	SweepEnabled     bool          `json:"sweep_enabled"`
	SweepInterval    time.Duration `json:"-"`
	SweepIntervalStr string        `json:"sweep_interval"`
	SweepBatchSize   int           `json:"sweep_batch_size"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap for the sweeper.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// DeliveryURL empty means surveys are logged instead of sent.
	DeliveryURL        string  `json:"delivery_url,omitempty"`
	DeliverySecret     string  `json:"delivery_secret,omitempty"`
	DeliveryRatePerSec float64 `json:"delivery_rate_per_sec"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Warnings lists environment values that were ignored in favour of a default.
	// Load runs before logging is configured, so callers log these afterwards.
	Warnings []string `json:"-"`
}

const defaultLeaderLockKey = 728380

// LoadDotEnv loads variables from the given files (".env" when none are given)
// without overriding variables already set. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		TickIntervalStr:            envOr("TICK_INTERVAL", "30s"),
		LeaseDurationStr:           envOr("LEASE_DURATION", "2m"),
		DeliveryTimeoutStr:         envOr("DELIVERY_TIMEOUT", "30s"),
		WorkerID:                   os.Getenv("WORKER_ID"),
		WorkerDrainTimeoutStr:      envOr("WORKER_DRAIN_TIMEOUT", "30s"),
		DBOpTimeoutStr:             envOr("DB_OP_TIMEOUT", "5s"),
		DBConnMaxLifetimeStr:       envOr("DB_CONN_MAX_LIFETIME", "30m"),
		DBConnMaxIdleTimeStr:       envOr("DB_CONN_MAX_IDLE_TIME", "5m"),
		HTTPShutdownTimeoutStr:     envOr("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                envOr("METRICS_PATH", "/metrics"),
		MetricsPort:                envOr("METRICS_PORT", "9090"),
		SweepEnabled:               os.Getenv("SWEEP_ENABLED") != "false",
		SweepIntervalStr:           envOr("SWEEP_INTERVAL", "5m"),
		LeaderRetryIntervalStr:     envOr("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr: envOr("LEADER_HEARTBEAT_INTERVAL", "2s"),
		DeliveryURL:                os.Getenv("DELIVERY_URL"),
		DeliverySecret:             os.Getenv("DELIVERY_SECRET"),
		CircuitBreakerCooldownStr:  envOr("CIRCUIT_BREAKER_COOLDOWN", "2m"),
		LogLevel:                   envOr("LOG_LEVEL", "info"),
		LogFormat:                  envOr("LOG_FORMAT", "json"),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.PollBatchSize = cfg.positiveInt("POLL_BATCH_SIZE", 100)
	cfg.WorkerCount = cfg.positiveInt("WORKER_COUNT", 4)
	cfg.EventBusBufferSize = cfg.positiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.DBMaxOpenConns = cfg.positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = cfg.positiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.SweepBatchSize = cfg.positiveInt("SWEEP_BATCH_SIZE", 100)
	cfg.LeaderLockKey = int64(cfg.positiveInt("LEADER_LOCK_KEY", defaultLeaderLockKey))

	// 0 is meaningful here (breaker off), so only garbage falls back.
	cfg.CircuitBreakerThreshold = 5
	if s := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := parseInt(s); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			cfg.warnf("invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", s)
		}
	}

	if s := os.Getenv("DELIVERY_RATE_PER_SEC"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
			cfg.DeliveryRatePerSec = f
		} else {
			cfg.warnf("invalid DELIVERY_RATE_PER_SEC %q (must be a non-negative number), rate limit disabled", s)
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(d.str); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

type durationField struct {
	env string
	str string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"TICK_INTERVAL", c.TickIntervalStr, &c.TickInterval},
		{"LEASE_DURATION", c.LeaseDurationStr, &c.LeaseDuration},
		{"DELIVERY_TIMEOUT", c.DeliveryTimeoutStr, &c.DeliveryTimeout},
		{"WORKER_DRAIN_TIMEOUT", c.WorkerDrainTimeoutStr, &c.WorkerDrainTimeout},
		{"DB_OP_TIMEOUT", c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"SWEEP_INTERVAL", c.SweepIntervalStr, &c.SweepInterval},
		{"LEADER_RETRY_INTERVAL", c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
		{"CIRCUIT_BREAKER_COOLDOWN", c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// positiveInt reads key as a positive integer, recording a warning and
// returning def when the value is set but unusable.
func (c *Config) positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		c.warnf("invalid %s %q (must be a positive integer), using default %d", key, s, def)
		return def
	}
	return n
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// parseInt parses a string of decimal digits.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.DeliverySecret = maskSecret(c.DeliverySecret)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
