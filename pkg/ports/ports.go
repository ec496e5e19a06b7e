// Package ports declares the interfaces the session engine depends on.
//
// Adapters under pkg/adapters implement them; application packages receive
// them through their constructors.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/regorch/pkg/domain"
)

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// SessionFilter selects sessions when listing.
type SessionFilter struct {
	WorkflowType   domain.WorkflowType
	Statuses       []domain.Status
	OrganizationID string
	SessionIDs     []string
}

// Matches reports whether s satisfies the filter.
func (f SessionFilter) Matches(s *domain.Session) bool {
	if f.WorkflowType != "" && s.WorkflowType != f.WorkflowType {
		return false
	}
	if f.OrganizationID != "" && s.OrganizationID != f.OrganizationID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, s.Status) {
		return false
	}
	if len(f.SessionIDs) > 0 && !containsString(f.SessionIDs, s.ID) {
		return false
	}
	return true
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SessionStore is durable, TTL-bound persistence for session documents,
// progress projections and retry entries. Documents are always written
// whole; Get returns a NotFound error for missing entries.
type SessionStore interface {
	// CreateSession stores s only if no session with the same id exists.
	CreateSession(ctx context.Context, s *domain.Session, ttl time.Duration) error
	SaveSession(ctx context.Context, s *domain.Session, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error)

	SaveProgress(ctx context.Context, p *domain.Progress, ttl time.Duration) error
	GetProgress(ctx context.Context, id string) (*domain.Progress, error)

	EnqueueRetry(ctx context.Context, e domain.RetryQueueEntry, ttl time.Duration) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.RetryQueueEntry, error)
	DeleteRetry(ctx context.Context, sessionID string) error
}

// LockManager provides advisory, TTL-bound mutual exclusion per key.
// Acquire never blocks; expiry is the only unlock path for a crashed holder.
// The token returned by Acquire identifies the holder, and Release only
// drops a lock that still carries it.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

// RegistryClient talks to the system of record that persists entities.
type RegistryClient interface {
	CreateEntity(ctx context.Context, entityType string, payload map[string]any) (string, error)
	DeleteEntity(ctx context.Context, entityType, id string) error
	// FindByNaturalKey returns the id of an existing entity, or "" when none.
	FindByNaturalKey(ctx context.Context, entityType, key, value string) (string, error)
}

// NotificationSender delivers templated notifications.
type NotificationSender interface {
	Send(ctx context.Context, to, template string, vars map[string]any) error
}

// PrivilegeChecker decides whether an actor may run operator actions.
type PrivilegeChecker interface {
	HasElevatedRole(actor domain.Actor) bool
}

// StepValidator applies business rules to a step payload before staging.
type StepValidator interface {
	ValidateStep(ctx context.Context, workflow domain.WorkflowType, step string, payload map[string]any) error
}

// InsuranceValidator checks the insurance items of an order.
type InsuranceValidator interface {
	ValidateItems(ctx context.Context, organizationID string, items map[string]any) error
}

// EventHandler handles one event.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventPublisher emits events.
type EventPublisher interface {
	Emit(ctx context.Context, event domain.Event)
}

// EventSubscriber streams events for a topic until ctx is done. The topic
// "*" receives every event.
type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
}

// CommitAttempt is one recorded commit attempt.
type CommitAttempt struct {
	ID             int64
	SessionID      string
	OrganizationID string
	WorkflowType   domain.WorkflowType
	Attempt        int
	Outcome        string
	FailedStep     string
	Compensated    bool
	Errors         []string
	CreatedAt      time.Time
}

// AttemptRecorder persists commit attempts for diagnostics.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt CommitAttempt) error
	ListAttempts(ctx context.Context, sessionID string, limit int) ([]CommitAttempt, error)
}

// MetricsCollector records engine metrics.
type MetricsCollector interface {
	RecordSessionCreated(workflow string)
	RecordTransition(workflow, from, to string)
	RecordStepAttempt(entityType, outcome string)
	RecordCommit(workflow, outcome string, duration time.Duration)
	RecordCompensation(workflow string, deleted int)
	RecordLockContention(scope string)
	RecordSchedulerRun(job string, processed, errors int, skipped bool, duration time.Duration)
	RecordWorkerPoolStatus(idle, busy, stopped, queued int)
}
