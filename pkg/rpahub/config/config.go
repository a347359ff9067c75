// Package config defines all configuration for the RPA Hub processes.
// Values come from an optional YAML file, overridden by environment
// variables; a .env file is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration shared by every hub process.
type Config struct {
	// Timezone is the hub default timezone (e.g. "America/Sao_Paulo").
	// Schedules may override it per robot.
	Timezone string `yaml:"timezone"`

	// DatabasePath is the SQLite database file path.
	DatabasePath string `yaml:"database_path"`

	// RedisURL is the Redis connection URL for queue and log fanout.
	RedisURL string `yaml:"redis_url"`

	// ArtifactsRoot is the directory holding artifact blobs and run
	// scratch directories.
	ArtifactsRoot string `yaml:"artifacts_root"`

	// APIAddr is the gateway listen address.
	APIAddr string `yaml:"api_addr"`

	// APIAuthToken protects every route except /health when non-empty.
	APIAuthToken string `yaml:"api_auth_token"`

	// DeployToken authenticates CI deploys via the x-deploy-token header.
	DeployToken string `yaml:"deploy_token"`

	// EncryptionKey encrypts env bindings at rest. Either 32 raw bytes
	// base64-encoded, or "argon2:<passphrase>" to derive the key.
	EncryptionKey string `yaml:"encryption_key"`

	// PythonExecutable runs script entrypoints.
	PythonExecutable string `yaml:"python_executable"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	SLA       SLAConfig       `yaml:"sla"`
	Worker    WorkerConfig    `yaml:"worker"`
	Runs      RunConfig       `yaml:"runs"`
	Retention RetentionConfig `yaml:"retention"`
}

// SchedulerConfig tunes the cron dispatcher loop.
type SchedulerConfig struct {
	// Interval between scheduler ticks.
	Interval time.Duration `yaml:"interval"`
}

// SLAConfig tunes the SLA monitor loop.
type SLAConfig struct {
	// Interval between SLA evaluation ticks.
	Interval time.Duration `yaml:"interval"`

	// QueueBacklogThreshold is the queue depth that opens a
	// QUEUE_BACKLOG alert.
	QueueBacklogThreshold int `yaml:"queue_backlog_threshold"`

	// FailureStreakThreshold is how many consecutive FAILED runs open a
	// FAILURE_STREAK alert.
	FailureStreakThreshold int `yaml:"failure_streak_threshold"`
}

// WorkerConfig tunes the worker agent.
type WorkerConfig struct {
	// HeartbeatInterval is how often the worker refreshes last_heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleAfter declares a worker dead when its heartbeat is older.
	StaleAfter time.Duration `yaml:"stale_after"`

	// CancelPollInterval is how often a running child is checked for a
	// cancel request.
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`

	// DrainTimeout bounds how long shutdown waits for in-flight runs.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// RunConfig tunes run lifecycle enforcement.
type RunConfig struct {
	// DefaultManualTimeout applies to MANUAL runs without a schedule.
	DefaultManualTimeout time.Duration `yaml:"default_manual_timeout"`

	// CancelGrace is how long a canceled child gets between SIGTERM and
	// SIGKILL, and how long the watchdog waits before force-canceling.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// WatchdogMargin pads the backup timeout check so the worker-side
	// enforcement fires first.
	WatchdogMargin time.Duration `yaml:"watchdog_margin"`

	// MaxDeferrals is how many consecutive ineligible claims a run takes
	// before it is held back for its backoff.
	MaxDeferrals int `yaml:"max_deferrals"`
}

// RetentionConfig tunes the cleanup loop.
type RetentionConfig struct {
	// Interval between cleanup ticks.
	Interval time.Duration `yaml:"interval"`

	// RunDays keeps terminal runs for this many days.
	RunDays int `yaml:"run_days"`

	// LogDays keeps run logs for this many days.
	LogDays int `yaml:"log_days"`

	// ArtifactDays keeps output artifacts for this many days.
	ArtifactDays int `yaml:"artifact_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Timezone:         "UTC",
		DatabasePath:     "./data/rpahub.db",
		RedisURL:         "redis://localhost:6379/0",
		ArtifactsRoot:    "./data/artifacts",
		APIAddr:          ":8080",
		PythonExecutable: "python3",
		LogLevel:         "info",
		Scheduler: SchedulerConfig{
			Interval: 30 * time.Second,
		},
		SLA: SLAConfig{
			Interval:               60 * time.Second,
			QueueBacklogThreshold:  50,
			FailureStreakThreshold: 3,
		},
		Worker: WorkerConfig{
			HeartbeatInterval:  15 * time.Second,
			StaleAfter:         180 * time.Second,
			CancelPollInterval: 2 * time.Second,
			DrainTimeout:       60 * time.Second,
		},
		Runs: RunConfig{
			DefaultManualTimeout: 30 * time.Minute,
			CancelGrace:          30 * time.Second,
			WatchdogMargin:       15 * time.Second,
			MaxDeferrals:         3,
		},
		Retention: RetentionConfig{
			Interval:     6 * time.Hour,
			RunDays:      90,
			LogDays:      30,
			ArtifactDays: 30,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment variables. A .env file in the
// working directory is loaded first and never overwrites existing vars.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.Timezone, "APP_TIMEZONE")
	setString(&c.DatabasePath, "DATABASE_PATH")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.ArtifactsRoot, "ARTIFACTS_ROOT")
	setString(&c.APIAddr, "API_ADDR")
	setString(&c.APIAuthToken, "API_AUTH_TOKEN")
	setString(&c.DeployToken, "DEPLOY_TOKEN")
	setString(&c.EncryptionKey, "ENCRYPTION_KEY")
	setString(&c.PythonExecutable, "PYTHON_EXECUTABLE")
	setString(&c.LogLevel, "LOG_LEVEL")

	setSeconds(&c.Scheduler.Interval, "SCHEDULER_INTERVAL_SECONDS")
	setSeconds(&c.SLA.Interval, "SLA_MONITOR_INTERVAL_SECONDS")
	setInt(&c.SLA.QueueBacklogThreshold, "QUEUE_BACKLOG_ALERT_THRESHOLD")
	setInt(&c.SLA.FailureStreakThreshold, "FAILURE_STREAK_THRESHOLD")
	setSeconds(&c.Worker.HeartbeatInterval, "WORKER_HEARTBEAT_SECONDS")
	setSeconds(&c.Worker.StaleAfter, "WORKER_STALE_SECONDS")
	setSeconds(&c.Worker.CancelPollInterval, "CANCEL_POLL_SECONDS")
	setSeconds(&c.Worker.DrainTimeout, "WORKER_DRAIN_SECONDS")
	setSeconds(&c.Runs.DefaultManualTimeout, "DEFAULT_MANUAL_TIMEOUT_SECONDS")
	setSeconds(&c.Runs.CancelGrace, "CANCEL_GRACE_SECONDS")
	setInt(&c.Retention.RunDays, "RUN_RETENTION_DAYS")
	setInt(&c.Retention.LogDays, "LOG_RETENTION_DAYS")
	setInt(&c.Retention.ArtifactDays, "ARTIFACT_RETENTION_DAYS")
}

// Validate rejects configurations no process can start with.
func (c *Config) Validate() error {
	if c.Timezone == "" {
		return fmt.Errorf("timezone must not be empty")
	}
	if c.Scheduler.Interval < 5*time.Second {
		return fmt.Errorf("scheduler interval must be at least 5s, got %s", c.Scheduler.Interval)
	}
	if c.SLA.Interval < 10*time.Second {
		return fmt.Errorf("sla monitor interval must be at least 10s, got %s", c.SLA.Interval)
	}
	if c.Runs.MaxDeferrals < 1 {
		return fmt.Errorf("max deferrals must be at least 1, got %d", c.Runs.MaxDeferrals)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
