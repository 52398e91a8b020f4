// Package config loads the orchestrator configuration from the process
// environment, with an optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config is the process-wide configuration snapshot. It is built once at
// startup and injected into component constructors; nothing reads the
// environment after Load returns.
type Config struct {
	// DatabaseURL selects the relational store. Accepted forms:
	// "postgres://..." (pgx) and "sqlite:<path>".
	DatabaseURL string `env:"ORCH_DATABASE_URL" envDefault:"sqlite:./data/orchestrator.db"`

	// RedisURL locates the broker.
	RedisURL string `env:"ORCH_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	RedisQueueName       string `env:"ORCH_REDIS_QUEUE_NAME" envDefault:"robot_runs_queue"`
	RedisPubSubPrefix    string `env:"ORCH_REDIS_PUBSUB_PREFIX" envDefault:"runs/"`
	RedisHeartbeatPrefix string `env:"ORCH_REDIS_WORKER_HEARTBEAT_PREFIX" envDefault:"workers/"`

	SchedulerIntervalSeconds  int `env:"ORCH_SCHEDULER_INTERVAL_SECONDS" envDefault:"60"`
	SlaMonitorIntervalSeconds int `env:"ORCH_SLA_MONITOR_INTERVAL_SECONDS" envDefault:"60"`
	WorkerStaleSeconds        int `env:"ORCH_WORKER_STALE_SECONDS" envDefault:"120"`

	FailureStreakThreshold     int `env:"ORCH_FAILURE_STREAK_THRESHOLD" envDefault:"3"`
	QueueBacklogAlertThreshold int `env:"ORCH_QUEUE_BACKLOG_ALERT_THRESHOLD" envDefault:"50"`

	// ArtifactsRoot is the base directory for version bundles and run
	// workspaces.
	ArtifactsRoot    string `env:"ORCH_ARTIFACTS_ROOT" envDefault:"./data"`
	PythonExecutable string `env:"ORCH_PYTHON_EXECUTABLE" envDefault:"python3"`
	AppTimezone      string `env:"ORCH_APP_TIMEZONE" envDefault:"UTC"`

	ArtifactRetentionDays int `env:"ORCH_ARTIFACT_RETENTION_DAYS" envDefault:"30"`
	LogRetentionDays      int `env:"ORCH_LOG_RETENTION_DAYS" envDefault:"30"`

	// EnvSecret keys the robot environment store encryption.
	EnvSecret string `env:"ORCH_ENV_SECRET" envDefault:"dev-env-secret"`
	// JWTSecret verifies API bearer tokens.
	JWTSecret string `env:"ORCH_JWT_SECRET" envDefault:"dev-jwt-secret"`

	HTTPAddr string `env:"ORCH_HTTP_ADDR" envDefault:":8080"`

	// WorkerName identifies this worker in the store and the heartbeat
	// keyspace. Defaults to the hostname.
	WorkerName string `env:"ORCH_WORKER_NAME"`

	Debug bool `env:"ORCH_DEBUG" envDefault:"false"`
}

// Load reads .env when present, parses the environment and validates the
// result.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.WorkerName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerName = host
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("ORCH_DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("ORCH_REDIS_URL is required")
	}
	if c.RedisQueueName == "" {
		return fmt.Errorf("ORCH_REDIS_QUEUE_NAME must not be empty")
	}
	if c.SchedulerIntervalSeconds < 30 {
		return fmt.Errorf("ORCH_SCHEDULER_INTERVAL_SECONDS must be >= 30")
	}
	if c.SlaMonitorIntervalSeconds < 1 {
		return fmt.Errorf("ORCH_SLA_MONITOR_INTERVAL_SECONDS must be >= 1")
	}
	if c.WorkerStaleSeconds < 1 {
		return fmt.Errorf("ORCH_WORKER_STALE_SECONDS must be >= 1")
	}
	if c.FailureStreakThreshold < 1 {
		return fmt.Errorf("ORCH_FAILURE_STREAK_THRESHOLD must be >= 1")
	}
	if c.QueueBacklogAlertThreshold < 1 {
		return fmt.Errorf("ORCH_QUEUE_BACKLOG_ALERT_THRESHOLD must be >= 1")
	}
	if _, err := time.LoadLocation(c.AppTimezone); err != nil {
		return fmt.Errorf("ORCH_APP_TIMEZONE %q: %w", c.AppTimezone, err)
	}
	return nil
}

// SchedulerInterval returns the scheduler tick cadence.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// SlaMonitorInterval returns the SLA monitor tick cadence.
func (c *Config) SlaMonitorInterval() time.Duration {
	return time.Duration(c.SlaMonitorIntervalSeconds) * time.Second
}

// WorkerStaleWindow returns the heartbeat age past which a worker counts as
// down.
func (c *Config) WorkerStaleWindow() time.Duration {
	return time.Duration(c.WorkerStaleSeconds) * time.Second
}

// LogRetention returns the run log retention window.
func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

// ArtifactRetention returns the artifact retention window.
func (c *Config) ArtifactRetention() time.Duration {
	return time.Duration(c.ArtifactRetentionDays) * 24 * time.Hour
}

// Location returns the application timezone. Validation at load time
// guarantees it resolves.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AppTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
