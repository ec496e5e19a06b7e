package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// SessionStore implements ports.SessionStore in memory.
// Documents are stored serialized so callers never share mutable state.
type SessionStore struct {
	clock    ports.Clock
	sessions map[string]entry
	progress map[string]entry
	retries  map[string]entry
	mu       sync.RWMutex
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore(clock ports.Clock) *SessionStore {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &SessionStore{
		clock:    clock,
		sessions: make(map[string]entry),
		progress: make(map[string]entry),
		retries:  make(map[string]entry),
	}
}

func (s *SessionStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// CreateSession stores a new session, failing if the id exists.
func (s *SessionStore) CreateSession(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[session.ID]; ok && !e.expired(s.clock.Now()) {
		return domain.Conflict("session already exists: %s", session.ID)
	}
	s.sessions[session.ID] = entry{data: data, expiresAt: s.expiry(ttl)}
	return nil
}

// SaveSession overwrites the whole session document.
func (s *SessionStore) SaveSession(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = entry{data: data, expiresAt: s.expiry(ttl)}
	return nil
}

// GetSession retrieves a session document.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok || e.expired(s.clock.Now()) {
		return nil, domain.NotFound("session not found: %s", id)
	}

	var session domain.Session
	if err := json.Unmarshal(e.data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a session together with its progress and retry entry.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	delete(s.progress, id)
	delete(s.retries, id)
	return nil
}

// ListSessions returns the live sessions matching filter, oldest first.
func (s *SessionStore) ListSessions(ctx context.Context, filter ports.SessionFilter) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	out := make([]*domain.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		if e.expired(now) {
			continue
		}
		var session domain.Session
		if err := json.Unmarshal(e.data, &session); err != nil {
			continue
		}
		if filter.Matches(&session) {
			out = append(out, &session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveProgress stores the progress projection.
func (s *SessionStore) SaveProgress(ctx context.Context, p *domain.Progress, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress[p.SessionID] = entry{data: data, expiresAt: s.expiry(ttl)}
	return nil
}

// GetProgress retrieves the progress projection.
func (s *SessionStore) GetProgress(ctx context.Context, id string) (*domain.Progress, error) {
	s.mu.RLock()
	e, ok := s.progress[id]
	s.mu.RUnlock()

	if !ok || e.expired(s.clock.Now()) {
		return nil, domain.NotFound("progress not found: %s", id)
	}

	var p domain.Progress
	if err := json.Unmarshal(e.data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &p, nil
}

// EnqueueRetry stores a retry entry, replacing any previous one.
func (s *SessionStore) EnqueueRetry(ctx context.Context, r domain.RetryQueueEntry, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal retry entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.retries[r.SessionID] = entry{data: data, expiresAt: s.expiry(ttl)}
	return nil
}

// DueRetries returns the entries whose retry time is at or before now.
func (s *SessionStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.RetryQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []domain.RetryQueueEntry
	for _, e := range s.retries {
		if e.expired(s.clock.Now()) {
			continue
		}
		var r domain.RetryQueueEntry
		if err := json.Unmarshal(e.data, &r); err != nil {
			continue
		}
		if !r.RetryAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RetryAt.Before(due[j].RetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// DeleteRetry removes the retry entry of a session.
func (s *SessionStore) DeleteRetry(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.retries, sessionID)
	return nil
}

var _ ports.SessionStore = (*SessionStore)(nil)
