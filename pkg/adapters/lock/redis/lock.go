package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/ports"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockManager implements ports.LockManager with SET NX PX.
type LockManager struct {
	client *redis.Client
	logger *zap.Logger
	owner  string
}

// NewLockManager creates a lock manager. Tokens it hands out are prefixed
// with a random owner id so a lock can be traced back to its replica.
func NewLockManager(client *redis.Client, logger *zap.Logger) *LockManager {
	return &LockManager{
		client: client,
		logger: logger,
		owner:  uuid.NewString(),
	}
}

// Acquire tries once to take the lock. It returns ok=false when the lock is
// held, and otherwise the token the caller must pass to Release.
func (l *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := l.owner + ":" + uuid.NewString()

	ok, err := l.client.SetNX(ctx, getLockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		l.logger.Debug("lock busy", zap.String("key", key))
		return "", false, nil
	}

	return token, true, nil
}

// Release drops the lock if it still carries token. A lock that expired
// and was taken by another holder is left alone.
func (l *LockManager) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}

	n, err := releaseScript.Run(ctx, l.client, []string{getLockKey(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", key))
	}

	return nil
}

// IsLocked reports whether any holder owns the lock.
func (l *LockManager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, getLockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return n > 0, nil
}

func getLockKey(key string) string {
	return fmt.Sprintf("regorch:lock:%s", key)
}

var _ ports.LockManager = (*LockManager)(nil)
