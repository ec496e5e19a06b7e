package domain

import (
	"time"
)

// WorkflowType identifies the kind of workflow a session runs.
type WorkflowType string

const (
	WorkflowAccount        WorkflowType = "account"
	WorkflowMembership     WorkflowType = "membership"
	WorkflowProduct        WorkflowType = "product"
	WorkflowOrderInsurance WorkflowType = "order-insurance"
)

// Status is a state drawn from a workflow's state set.
type Status string

// Common statuses shared by the built-in workflows.
const (
	StatusInitiated  Status = "INITIATED"
	StatusDataStaged Status = "DATA_STAGED"
	StatusCommitting Status = "COMMITTING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRejected   Status = "REJECTED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

// Scope carries the tenant and actor every session operation runs under.
type Scope struct {
	OrganizationID string `json:"organization_id"`
	ActorID        string `json:"actor_id"`
}

// Actor is an authenticated caller.
type Actor struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Roles          []string `json:"roles,omitempty"`
}

// Scope returns the session scope of the actor.
func (a Actor) Scope() Scope {
	return Scope{OrganizationID: a.OrganizationID, ActorID: a.ID}
}

// EntityGuidMap maps entity type to the identifier the registry returned.
type EntityGuidMap map[string]string

// StepError is one accumulated error on a session.
type StepError struct {
	Step       string    `json:"step"`
	Code       Code      `json:"code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Session is one durable in-flight workflow instance.
type Session struct {
	ID               string                    `json:"id"`
	WorkflowType     WorkflowType              `json:"workflow_type"`
	Status           Status                    `json:"status"`
	OwnerID          string                    `json:"owner_id"`
	OrganizationID   string                    `json:"organization_id"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	ExpiresAt        time.Time                 `json:"expires_at"`
	LastTransitionAt time.Time                 `json:"last_transition_at"`
	Metadata         map[string]any            `json:"metadata,omitempty"`
	Staged           map[string]map[string]any `json:"staged,omitempty"`
	Errors           []StepError               `json:"errors,omitempty"`
	EntityIDs        EntityGuidMap             `json:"entity_ids,omitempty"`
	Committed        bool                      `json:"committed"`
	CommitAttempts   int                       `json:"commit_attempts"`
	RemindersSent    int                       `json:"reminders_sent"`
	Escalated        bool                      `json:"escalated"`
}

// IsExpired reports whether the session is past its expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// InScope reports whether the session belongs to the scope's organization.
func (s *Session) InScope(scope Scope) bool {
	return scope.OrganizationID != "" && s.OrganizationID == scope.OrganizationID
}

// AddError appends an error to the session error list.
func (s *Session) AddError(step string, err error, at time.Time) {
	s.Errors = append(s.Errors, StepError{
		Step:       step,
		Code:       CodeOf(err),
		Message:    err.Error(),
		OccurredAt: at,
	})
}

// Clone returns a deep copy of the session document.
func (s *Session) Clone() *Session {
	c := *s
	c.Metadata = cloneMap(s.Metadata)
	if s.Staged != nil {
		c.Staged = make(map[string]map[string]any, len(s.Staged))
		for k, v := range s.Staged {
			c.Staged[k] = cloneMap(v)
		}
	}
	if s.Errors != nil {
		c.Errors = append([]StepError(nil), s.Errors...)
	}
	if s.EntityIDs != nil {
		c.EntityIDs = make(EntityGuidMap, len(s.EntityIDs))
		for k, v := range s.EntityIDs {
			c.EntityIDs[k] = v
		}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Progress is the derived projection of a session.
type Progress struct {
	SessionID  string          `json:"session_id"`
	Status     Status          `json:"status"`
	Steps      map[string]bool `json:"steps"`
	Percentage int             `json:"percentage"`
	Errors     []string        `json:"errors"`
	CanCommit  bool            `json:"can_commit"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RetryQueueEntry schedules another commit attempt for a failed session.
type RetryQueueEntry struct {
	SessionID      string    `json:"session_id"`
	OrganizationID string    `json:"organization_id"`
	RetryAt        time.Time `json:"retry_at"`
	Attempt        int       `json:"attempt"`
}

// StepResult is the outcome of one commit plan step.
type StepResult struct {
	EntityType string `json:"entity_type"`
	Required   bool   `json:"required"`
	Success    bool   `json:"success"`
	EntityID   string `json:"entity_id,omitempty"`
	Reused     bool   `json:"reused,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// CommitResult is returned to callers of Commit.
type CommitResult struct {
	Success            bool          `json:"success"`
	SessionID          string        `json:"session_id"`
	Status             Status        `json:"status"`
	EntityIDs          EntityGuidMap `json:"entity_ids"`
	Steps              []StepResult  `json:"steps"`
	Errors             []StepError   `json:"errors"`
	FailedStep         string        `json:"failed_step,omitempty"`
	Compensated        bool          `json:"compensated"`
	CompensationErrors []string      `json:"compensation_errors,omitempty"`
	RetryScheduledAt   *time.Time    `json:"retry_scheduled_at,omitempty"`
}
