// Package config defines configuration parsing and helpers for the
// session-worker core.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all process configuration parsed from environment variables.
// Field names map 1:1 onto §6's "Configuration (environment)" table, plus the
// internal tunables (lease TTL, history caps, reaper cadence) that table
// left implicit in the KV key schema.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// KV endpoint (Redis).
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Worker Manager.
	MaxWorkersPerContainer int           `env:"MAX_WORKERS_PER_CONTAINER" envDefault:"5"`
	LeaseTTL               time.Duration `env:"SESSION_LEASE_TTL" envDefault:"30s"`

	// Session Registry TTLs and history caps (§3, §6).
	SessionRecordTTL  time.Duration `env:"SESSION_RECORD_TTL" envDefault:"1h"`
	BoundedHistoryCap int           `env:"BOUNDED_HISTORY_CAP" envDefault:"100"`

	// Idle Reaper.
	IdleTimeoutMS   int64         `env:"IDLE_TIMEOUT_MS" envDefault:"1800000"`
	ReaperInterval  time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`
	ReaperBatchSize int           `env:"REAPER_BATCH_SIZE" envDefault:"100"`
	// ReaperPolicyFile optionally overrides idle timeout/sweep interval from
	// a YAML file at startup.
	ReaperPolicyFile string `env:"REAPER_POLICY_FILE"`

	// Queue Service defaults (§4.C).
	QueueDefaultMaxAttempts int           `env:"QUEUE_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	QueueDefaultBackoffBase time.Duration `env:"QUEUE_DEFAULT_BACKOFF_BASE" envDefault:"2s"`
	QueueDefaultBackoffMax  time.Duration `env:"QUEUE_DEFAULT_BACKOFF_MAX" envDefault:"30s"`
	QueueRemoveOnComplete   int           `env:"QUEUE_REMOVE_ON_COMPLETE" envDefault:"100"`
	QueueRemoveOnFail       int           `env:"QUEUE_REMOVE_ON_FAIL" envDefault:"50"`

	// Supplemental (§9 open-question decisions, see DESIGN.md).
	StrictRecoveryDedup bool `env:"STRICT_RECOVERY_DEDUP" envDefault:"false"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"session-worker-core"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`

	// Reference gateway (out of scope product surface; demo only).
	GatewayPort      int    `env:"GATEWAY_PORT" envDefault:"8080"`
	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin  int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
}

// RedisAddr returns the host:port address for the configured Redis endpoint.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IdleTimeout returns the configured idle timeout as a time.Duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}
