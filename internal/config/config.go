package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the session engine
type Config struct {
	// Server configuration
	HTTPPort int    `env:"REGORCH_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"REGORCH_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	// Session lifecycle
	Sessions SessionConfig

	// Commit coordinator
	Commit CommitConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Worker configuration
	Workers WorkerConfig

	// Authentication
	Auth AuthConfig

	// SQLite storage
	Storage StorageConfig

	// Tracing
	Telemetry TelemetryConfig

	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// StreamMaxLen caps each mirrored event stream; 0 disables mirroring.
	StreamMaxLen int64 `env:"REDIS_STREAM_MAX_LEN" envDefault:"10000"`
}

// SessionConfig holds session retention and locking settings
type SessionConfig struct {
	SuccessGrace     time.Duration `env:"SESSION_SUCCESS_GRACE" envDefault:"5m"`
	FailureRetention time.Duration `env:"SESSION_FAILURE_RETENTION" envDefault:"24h"`
	LockTTL          time.Duration `env:"SESSION_LOCK_TTL" envDefault:"30s"`
}

// CommitConfig holds step retry and retry queue settings
type CommitConfig struct {
	MaxRetryAttempts  int           `env:"COMMIT_MAX_RETRY_ATTEMPTS" envDefault:"3"`
	InitialDelay      time.Duration `env:"COMMIT_INITIAL_DELAY" envDefault:"2s"`
	Multiplier        float64       `env:"COMMIT_MULTIPLIER" envDefault:"2"`
	MaxCommitAttempts int           `env:"COMMIT_MAX_ATTEMPTS" envDefault:"3"`
	RetryQueueDelay   time.Duration `env:"COMMIT_RETRY_QUEUE_DELAY" envDefault:"5m"`
}

// SchedulerConfig holds job intervals and escalation settings
type SchedulerConfig struct {
	Enabled            bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	ReminderInterval   time.Duration `env:"SCHEDULER_REMINDER_INTERVAL" envDefault:"30m"`
	EscalationInterval time.Duration `env:"SCHEDULER_ESCALATION_INTERVAL" envDefault:"12h"`
	ExpiryInterval     time.Duration `env:"SCHEDULER_EXPIRY_INTERVAL" envDefault:"24h"`
	RetryInterval      time.Duration `env:"SCHEDULER_RETRY_INTERVAL" envDefault:"1m"`
	RecoveryInterval   time.Duration `env:"SCHEDULER_RECOVERY_INTERVAL" envDefault:"5m"`
	RetryBatch         int           `env:"SCHEDULER_RETRY_BATCH" envDefault:"100"`
	RulesFile          string        `env:"SCHEDULER_RULES_FILE"`
	LeaderLease        bool          `env:"SCHEDULER_LEADER_LEASE" envDefault:"true"`
	OperatorEmail      string        `env:"SCHEDULER_OPERATOR_EMAIL"`

	// StuckCommitAfter is how long a session may stay committing before it
	// is failed. Zero means three lock TTLs.
	StuckCommitAfter time.Duration `env:"SCHEDULER_STUCK_COMMIT_AFTER"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"100"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret     string   `env:"AUTH_JWT_SECRET"`
	Issuer        string   `env:"AUTH_ISSUER" envDefault:"regorch"`
	ElevatedRoles []string `env:"AUTH_ELEVATED_ROLES" envDefault:"admin,operator" envSeparator:","`
}

// StorageConfig holds SQLite file paths
type StorageConfig struct {
	RegistryPath string `env:"STORAGE_REGISTRY_PATH" envDefault:"data/registry.db"`
	AuditPath    string `env:"STORAGE_AUDIT_PATH" envDefault:"data/audit.db"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"regorch"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment variables
// take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.HTTPPort == c.GRPCPort {
		return fmt.Errorf("HTTP and gRPC ports must differ")
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate auth config
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	// Validate commit config
	if c.Commit.MaxRetryAttempts < 0 {
		return fmt.Errorf("commit retry attempts cannot be negative")
	}
	if c.Commit.InitialDelay <= 0 || c.Commit.Multiplier < 1 {
		return fmt.Errorf("commit backoff needs a positive delay and a multiplier of at least 1")
	}
	if c.Commit.MaxCommitAttempts < 1 {
		return fmt.Errorf("max commit attempts must be at least 1")
	}

	if c.Sessions.LockTTL <= 0 {
		return fmt.Errorf("session lock TTL must be positive")
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.QueueSize < 1 {
		return fmt.Errorf("worker queue size must be at least 1")
	}

	if c.Scheduler.Enabled && c.Scheduler.RetryInterval <= 0 {
		return fmt.Errorf("scheduler retry interval must be positive")
	}

	if c.Storage.RegistryPath == "" || c.Storage.AuditPath == "" {
		return fmt.Errorf("storage paths are required")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
