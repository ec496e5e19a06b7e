package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("AUTH_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Commit.MaxRetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Commit.InitialDelay)
	assert.Equal(t, 2.0, cfg.Commit.Multiplier)
	assert.Equal(t, 3, cfg.Commit.MaxCommitAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Commit.RetryQueueDelay)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.ReminderInterval)
	assert.Equal(t, 12*time.Hour, cfg.Scheduler.EscalationInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.ExpiryInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.RetryInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RecoveryInterval)
	assert.Zero(t, cfg.Scheduler.StuckCommitAfter)
	assert.Equal(t, []string{"admin", "operator"}, cfg.Auth.ElevatedRoles)
	assert.Equal(t, 30*time.Second, cfg.Sessions.LockTTL)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("REGORCH_HTTP_PORT", "8081")
	t.Setenv("COMMIT_RETRY_QUEUE_DELAY", "10m")
	t.Setenv("AUTH_ELEVATED_ROLES", "ops")
	t.Setenv("SCHEDULER_LEADER_LEASE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.HTTPPort)
	assert.Equal(t, 10*time.Minute, cfg.Commit.RetryQueueDelay)
	assert.Equal(t, []string{"ops"}, cfg.Auth.ElevatedRoles)
	assert.False(t, cfg.Scheduler.LeaderLease)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("AUTH_JWT_SECRET=from-file\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn")
	defer os.Unsetenv("AUTH_JWT_SECRET")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "warn", cfg.LogLevel, "the environment wins over .env")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			HTTPPort: 8080,
			GRPCPort: 9090,
			LogLevel: "info",
			Redis:    RedisConfig{Addr: "localhost:6379"},
			Sessions: SessionConfig{LockTTL: time.Second},
			Commit: CommitConfig{
				MaxRetryAttempts:  3,
				InitialDelay:      time.Second,
				Multiplier:        2,
				MaxCommitAttempts: 3,
			},
			Workers: WorkerConfig{PoolSize: 1, QueueSize: 1},
			Auth:    AuthConfig{JWTSecret: "secret"},
			Storage: StorageConfig{RegistryPath: "r.db", AuditPath: "a.db"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad http port", func(c *Config) { c.HTTPPort = 0 }},
		{"same ports", func(c *Config) { c.GRPCPort = c.HTTPPort }},
		{"no redis", func(c *Config) { c.Redis.Addr = "" }},
		{"no secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"no backoff delay", func(c *Config) { c.Commit.InitialDelay = 0 }},
		{"shrinking backoff", func(c *Config) { c.Commit.Multiplier = 0.5 }},
		{"no commit attempts", func(c *Config) { c.Commit.MaxCommitAttempts = 0 }},
		{"no lock ttl", func(c *Config) { c.Sessions.LockTTL = 0 }},
		{"no workers", func(c *Config) { c.Workers.PoolSize = 0 }},
		{"scheduler without retry interval", func(c *Config) { c.Scheduler.Enabled = true }},
		{"no storage", func(c *Config) { c.Storage.AuditPath = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
