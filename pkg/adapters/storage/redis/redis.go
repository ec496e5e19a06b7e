package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

const sessionPrefix = "regorch:session:"

// SessionStore implements ports.SessionStore using Redis
type SessionStore struct {
	client *redis.Client
	clock  ports.Clock
	logger *zap.Logger
}

// NewSessionStore creates a new Redis session store
func NewSessionStore(client *redis.Client, clock ports.Clock, logger *zap.Logger) *SessionStore {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &SessionStore{
		client: client,
		clock:  clock,
		logger: logger,
	}
}

// CreateSession stores a new session with SET NX
func (s *SessionStore) CreateSession(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, getSessionKey(session.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return domain.Conflict("session already exists: %s", session.ID)
	}

	s.logger.Debug("session created",
		zap.String("session_id", session.ID),
		zap.String("workflow", string(session.WorkflowType)))

	return nil
}

// SaveSession overwrites the session document
func (s *SessionStore) SaveSession(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, getSessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Debug("session saved",
		zap.String("session_id", session.ID),
		zap.String("status", string(session.Status)))

	return nil
}

// GetSession retrieves a session. Sessions past expires_at read as missing
// even while the key is still live.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, getSessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.NotFound("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.IsExpired(s.clock.Now()) {
		return nil, domain.NotFound("session not found: %s", id)
	}

	return &session, nil
}

// DeleteSession removes the session, its progress and its retry entry
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, getSessionKey(id), getProgressKey(id), getRetryKey(id))
	pipe.ZRem(ctx, retryDueKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Debug("session deleted", zap.String("session_id", id))

	return nil
}

// ListSessions scans all session keys and returns the live matches,
// oldest first
func (s *SessionStore) ListSessions(ctx context.Context, filter ports.SessionFilter) ([]*domain.Session, error) {
	keys, err := s.scan(ctx, sessionPrefix+"*")
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sessions := make([]*domain.Session, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			s.logger.Warn("skipping unreadable session", zap.String("key", key), zap.Error(err))
			continue
		}
		if session.IsExpired(now) || !filter.Matches(&session) {
			continue
		}

		sessions = append(sessions, &session)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

func (s *SessionStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// SaveProgress stores the progress projection
func (s *SessionStore) SaveProgress(ctx context.Context, p *domain.Progress, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	if err := s.client.Set(ctx, getProgressKey(p.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}

	return nil
}

// GetProgress retrieves the progress projection
func (s *SessionStore) GetProgress(ctx context.Context, id string) (*domain.Progress, error) {
	data, err := s.client.Get(ctx, getProgressKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.NotFound("progress not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}

	var p domain.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}

	return &p, nil
}

// EnqueueRetry writes the retry entry and indexes it by due time
func (s *SessionStore) EnqueueRetry(ctx context.Context, r domain.RetryQueueEntry, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal retry entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, getRetryKey(r.SessionID), data, ttl)
	pipe.ZAdd(ctx, retryDueKey, redis.Z{Score: float64(r.RetryAt.UnixMilli()), Member: r.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}

	s.logger.Debug("retry enqueued",
		zap.String("session_id", r.SessionID),
		zap.Int("attempt", r.Attempt),
		zap.Time("retry_at", r.RetryAt))

	return nil
}

// DueRetries returns entries with retry_at <= now. Index members whose
// entry expired are dropped from the index.
func (s *SessionStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.RetryQueueEntry, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, retryDueKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry index: %w", err)
	}

	entries := make([]domain.RetryQueueEntry, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, getRetryKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.client.ZRem(ctx, retryDueKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get retry entry: %w", err)
		}

		var r domain.RetryQueueEntry
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("dropping unreadable retry entry", zap.String("session_id", id), zap.Error(err))
			s.client.ZRem(ctx, retryDueKey, id)
			continue
		}
		entries = append(entries, r)
	}

	return entries, nil
}

// DeleteRetry removes a session's retry entry
func (s *SessionStore) DeleteRetry(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, getRetryKey(sessionID))
	pipe.ZRem(ctx, retryDueKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete retry entry: %w", err)
	}
	return nil
}

const retryDueKey = "regorch:retry:due"

// getSessionKey returns the Redis key for a session
func getSessionKey(id string) string {
	return fmt.Sprintf("regorch:session:%s", id)
}

func getProgressKey(id string) string {
	return fmt.Sprintf("regorch:progress:%s", id)
}

func getRetryKey(id string) string {
	return fmt.Sprintf("regorch:retry:%s", id)
}

var _ ports.SessionStore = (*SessionStore)(nil)
