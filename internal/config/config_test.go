package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "REDIS_ADDR", "HTTP_ADDR", "PORT",
		"TICK_INTERVAL", "POLL_BATCH_SIZE", "LEASE_DURATION", "DELIVERY_TIMEOUT",
		"WORKER_COUNT", "WORKER_ID", "WORKER_DRAIN_TIMEOUT", "EVENTBUS_BUFFER_SIZE",
		"DB_OP_TIMEOUT", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME", "DB_CONN_MAX_IDLE_TIME",
		"HTTP_SHUTDOWN_TIMEOUT", "METRICS_ENABLED", "METRICS_PATH", "METRICS_PORT",
		"SWEEP_ENABLED", "SWEEP_INTERVAL", "SWEEP_BATCH_SIZE",
		"LEADER_LOCK_KEY", "LEADER_RETRY_INTERVAL", "LEADER_HEARTBEAT_INTERVAL",
		"DELIVERY_URL", "DELIVERY_SECRET", "DELIVERY_RATE_PER_SEC",
		"CIRCUIT_BREAKER_THRESHOLD", "CIRCUIT_BREAKER_COOLDOWN",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	durations := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"TickInterval", cfg.TickInterval, 30 * time.Second},
		{"LeaseDuration", cfg.LeaseDuration, 2 * time.Minute},
		{"DeliveryTimeout", cfg.DeliveryTimeout, 30 * time.Second},
		{"WorkerDrainTimeout", cfg.WorkerDrainTimeout, 30 * time.Second},
		{"DBOpTimeout", cfg.DBOpTimeout, 5 * time.Second},
		{"DBConnMaxLifetime", cfg.DBConnMaxLifetime, 30 * time.Minute},
		{"DBConnMaxIdleTime", cfg.DBConnMaxIdleTime, 5 * time.Minute},
		{"HTTPShutdownTimeout", cfg.HTTPShutdownTimeout, 10 * time.Second},
		{"SweepInterval", cfg.SweepInterval, 5 * time.Minute},
		{"LeaderRetryInterval", cfg.LeaderRetryInterval, 5 * time.Second},
		{"LeaderHeartbeatInterval", cfg.LeaderHeartbeatInterval, 2 * time.Second},
		{"CircuitBreakerCooldown", cfg.CircuitBreakerCooldown, 2 * time.Minute},
	}
	for _, d := range durations {
		if d.got != d.want {
			t.Errorf("%s: expected %v, got %v", d.name, d.want, d.got)
		}
	}

	ints := []struct {
		name string
		got  int
		want int
	}{
		{"PollBatchSize", cfg.PollBatchSize, 100},
		{"WorkerCount", cfg.WorkerCount, 4},
		{"EventBusBufferSize", cfg.EventBusBufferSize, 100},
		{"DBMaxOpenConns", cfg.DBMaxOpenConns, 25},
		{"DBMaxIdleConns", cfg.DBMaxIdleConns, 5},
		{"SweepBatchSize", cfg.SweepBatchSize, 100},
		{"CircuitBreakerThreshold", cfg.CircuitBreakerThreshold, 5},
	}
	for _, n := range ints {
		if n.got != n.want {
			t.Errorf("%s: expected %d, got %d", n.name, n.want, n.got)
		}
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr: expected :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.LeaderLockKey != defaultLeaderLockKey {
		t.Errorf("LeaderLockKey: expected %d, got %d", defaultLeaderLockKey, cfg.LeaderLockKey)
	}
	if !cfg.SweepEnabled {
		t.Error("SweepEnabled should default to true")
	}
	if cfg.MetricsEnabled {
		t.Error("MetricsEnabled should default to false")
	}
	if cfg.MetricsPath != "/metrics" || cfg.MetricsPort != "9090" {
		t.Errorf("metrics endpoint: got %s on %s", cfg.MetricsPath, cfg.MetricsPort)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("logging: got level=%q format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DeliveryRatePerSec != 0 {
		t.Errorf("DeliveryRatePerSec: expected 0, got %v", cfg.DeliveryRatePerSec)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", cfg.Warnings)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("TICK_INTERVAL", "10s")
	t.Setenv("POLL_BATCH_SIZE", "250")
	t.Setenv("LEASE_DURATION", "5m")
	t.Setenv("DELIVERY_TIMEOUT", "1m")
	t.Setenv("WORKER_COUNT", "16")
	t.Setenv("WORKER_ID", "worker-a")
	t.Setenv("DB_MAX_OPEN_CONNS", "50")
	t.Setenv("DB_CONN_MAX_LIFETIME", "1h")
	t.Setenv("SWEEP_ENABLED", "false")
	t.Setenv("LEADER_LOCK_KEY", "42")
	t.Setenv("DELIVERY_RATE_PER_SEC", "12.5")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "0")
	t.Setenv("LOG_FORMAT", "console")

	cfg := Load()

	if cfg.TickInterval != 10*time.Second {
		t.Errorf("TickInterval: expected 10s, got %v", cfg.TickInterval)
	}
	if cfg.PollBatchSize != 250 {
		t.Errorf("PollBatchSize: expected 250, got %d", cfg.PollBatchSize)
	}
	if cfg.LeaseDuration != 5*time.Minute || cfg.DeliveryTimeout != time.Minute {
		t.Errorf("lease/timeout: got %v/%v", cfg.LeaseDuration, cfg.DeliveryTimeout)
	}
	if cfg.WorkerCount != 16 || cfg.WorkerID != "worker-a" {
		t.Errorf("workers: got count=%d id=%q", cfg.WorkerCount, cfg.WorkerID)
	}
	if cfg.DBMaxOpenConns != 50 || cfg.DBConnMaxLifetime != time.Hour {
		t.Errorf("db pool: got max_open=%d lifetime=%v", cfg.DBMaxOpenConns, cfg.DBConnMaxLifetime)
	}
	if cfg.SweepEnabled {
		t.Error("SweepEnabled: expected false")
	}
	if cfg.LeaderLockKey != 42 {
		t.Errorf("LeaderLockKey: expected 42, got %d", cfg.LeaderLockKey)
	}
	if cfg.DeliveryRatePerSec != 12.5 {
		t.Errorf("DeliveryRatePerSec: expected 12.5, got %v", cfg.DeliveryRatePerSec)
	}
	if cfg.CircuitBreakerThreshold != 0 {
		t.Errorf("CircuitBreakerThreshold: explicit 0 should disable, got %d", cfg.CircuitBreakerThreshold)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat: expected console, got %q", cfg.LogFormat)
	}
}

func TestLoad_PortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")

	if got := Load().HTTPAddr; got != ":3000" {
		t.Errorf("HTTPAddr: expected :3000, got %q", got)
	}

	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")
	if got := Load().HTTPAddr; got != "127.0.0.1:9000" {
		t.Errorf("HTTP_ADDR should win over PORT, got %q", got)
	}
}

func TestLoad_InvalidIntegersFallBack(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"negative", "-1"},
		{"zero", "0"},
		{"non-numeric", "abc"},
		{"float", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("EVENTBUS_BUFFER_SIZE", tt.value)
			t.Setenv("WORKER_COUNT", tt.value)

			cfg := Load()

			if cfg.EventBusBufferSize != 100 {
				t.Errorf("EventBusBufferSize: expected fallback to 100 for %q, got %d", tt.value, cfg.EventBusBufferSize)
			}
			if cfg.WorkerCount != 4 {
				t.Errorf("WorkerCount: expected fallback to 4 for %q, got %d", tt.value, cfg.WorkerCount)
			}
			if len(cfg.Warnings) != 2 {
				t.Fatalf("expected 2 warnings, got %v", cfg.Warnings)
			}
			if !strings.Contains(cfg.Warnings[0], "EVENTBUS_BUFFER_SIZE") && !strings.Contains(cfg.Warnings[1], "EVENTBUS_BUFFER_SIZE") {
				t.Errorf("warnings should name EVENTBUS_BUFFER_SIZE: %v", cfg.Warnings)
			}
		})
	}
}

func TestLoad_InvalidRateWarns(t *testing.T) {
	clearEnv(t)
	t.Setenv("DELIVERY_RATE_PER_SEC", "fast")

	cfg := Load()

	if cfg.DeliveryRatePerSec != 0 {
		t.Errorf("DeliveryRatePerSec: expected 0, got %v", cfg.DeliveryRatePerSec)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "DELIVERY_RATE_PER_SEC") {
		t.Errorf("expected one DELIVERY_RATE_PER_SEC warning, got %v", cfg.Warnings)
	}
}

func TestLoad_InvalidDurationLeftForValidate(t *testing.T) {
	clearEnv(t)
	t.Setenv("TICK_INTERVAL", "soon")

	cfg := Load()

	if cfg.TickInterval != 0 {
		t.Errorf("TickInterval: unparseable value should stay zero, got %v", cfg.TickInterval)
	}
	if cfg.TickIntervalStr != "soon" {
		t.Errorf("TickIntervalStr: expected raw value kept, got %q", cfg.TickIntervalStr)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "WORKER_ID=from-file\nLOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("LOG_LEVEL", "warn")
	// godotenv treats an empty variable as set, so drop it for this key.
	os.Unsetenv("WORKER_ID")
	t.Cleanup(func() { os.Unsetenv("WORKER_ID") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	cfg := Load()
	if cfg.WorkerID != "from-file" {
		t.Errorf("WorkerID: expected from-file, got %q", cfg.WorkerID)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: existing env should win over .env, got %q", cfg.LogLevel)
	}
}

func TestLoadDotEnv_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.env")
	if err := os.WriteFile(path, []byte("BAD!=1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := LoadDotEnv(path); err == nil {
		t.Error("expected error for malformed file")
	}
}

func TestMaskedJSON(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://user:hunter2@db/surveys")
	t.Setenv("DELIVERY_SECRET", "s3cret")

	data, err := Load().MaskedJSON()
	if err != nil {
		t.Fatalf("MaskedJSON failed: %v", err)
	}
	out := string(data)

	if strings.Contains(out, "hunter2") || strings.Contains(out, "s3cret") {
		t.Errorf("secrets leaked: %s", out)
	}
	for _, field := range []string{
		`"database_url": "postgres://***"`,
		`"delivery_secret": "***"`,
		`"lease_duration": "2m"`,
		`"delivery_timeout": "30s"`,
		`"worker_count": 4`,
		`"eventbus_buffer_size": 100`,
		`"sweep_interval": "5m"`,
	} {
		if !strings.Contains(out, field) {
			t.Errorf("MaskedJSON missing %s in:\n%s", field, out)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                      "",
		"postgres://u:p@h/db":   "postgres://***",
		"postgresql://u:p@h/db": "postgresql://***",
		"plain-secret":          "***",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
