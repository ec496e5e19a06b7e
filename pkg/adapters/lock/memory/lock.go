package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aescanero/regorch/pkg/ports"
)

// LockManager implements ports.LockManager for a single process.
type LockManager struct {
	clock ports.Clock
	mu    sync.Mutex
	locks map[string]held
	seq   uint64
}

type held struct {
	token   string
	expires time.Time
}

// NewLockManager creates an in-memory lock manager.
func NewLockManager(clock ports.Clock) *LockManager {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &LockManager{
		clock: clock,
		locks: make(map[string]held),
	}
}

func (l *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if h, ok := l.locks[key]; ok && now.Before(h.expires) {
		return "", false, nil
	}
	l.seq++
	token := strconv.FormatUint(l.seq, 10)
	l.locks[key] = held{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Release drops the lock only while it still carries token.
func (l *LockManager) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.locks[key]; ok && h.token == token {
		delete(l.locks, key)
	}
	return nil
}

func (l *LockManager) IsLocked(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.locks[key]
	return ok && l.clock.Now().Before(h.expires), nil
}

var _ ports.LockManager = (*LockManager)(nil)
