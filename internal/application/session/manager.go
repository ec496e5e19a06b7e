package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
	"github.com/aescanero/regorch/pkg/ports"
)

// Config holds retention settings for finished sessions.
type Config struct {
	// SuccessGrace is how long a session stays readable after success.
	SuccessGrace time.Duration
	// FailureRetention is how long a session stays readable after a
	// terminal failure.
	FailureRetention time.Duration
}

// CreateRequest describes a new session.
type CreateRequest struct {
	ID           string
	WorkflowType domain.WorkflowType
	Metadata     map[string]any
	// TTL overrides the workflow's session TTL when positive.
	TTL time.Duration
}

// Manager owns session documents and their progress projections.
type Manager struct {
	store     ports.SessionStore
	workflows *workflow.Registry
	clock     ports.Clock
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	cfg       Config
}

// NewManager creates a new session manager
func NewManager(
	store ports.SessionStore,
	workflows *workflow.Registry,
	clock ports.Clock,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
) *Manager {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Manager{
		store:     store,
		workflows: workflows,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Definition returns the workflow definition of t.
func (m *Manager) Definition(t domain.WorkflowType) (*workflow.Definition, error) {
	return m.workflows.Get(t)
}

// Create stores a new session in the workflow's initial state.
func (m *Manager) Create(ctx context.Context, scope domain.Scope, req CreateRequest) (*domain.Session, error) {
	if scope.OrganizationID == "" {
		return nil, domain.Validation("organization id is required")
	}
	def, err := m.workflows.Get(req.WorkflowType)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	ttl := def.TTL
	if req.TTL > 0 {
		ttl = req.TTL
	}

	now := m.clock.Now()
	metadata := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["required_steps"] = def.RequiredSteps()
	metadata["optional_steps"] = def.OptionalSteps()

	s := &domain.Session{
		ID:               id,
		WorkflowType:     def.Type,
		Status:           def.Initial,
		OwnerID:          scope.ActorID,
		OrganizationID:   scope.OrganizationID,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		LastTransitionAt: now,
		Metadata:         metadata,
		Staged:           make(map[string]map[string]any),
		EntityIDs:        make(domain.EntityGuidMap),
	}

	if err := m.store.CreateSession(ctx, s, ttl); err != nil {
		return nil, err
	}
	if err := m.store.SaveProgress(ctx, ComputeProgress(def, s, now), ttl); err != nil {
		return nil, fmt.Errorf("failed to save progress: %w", err)
	}

	m.metrics.RecordSessionCreated(string(def.Type))
	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("workflow", string(def.Type)),
		zap.String("organization_id", s.OrganizationID))

	return s, nil
}

// Get returns a session visible to scope.
func (m *Manager) Get(ctx context.Context, scope domain.Scope, id string) (*domain.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.InScope(scope) || s.IsExpired(m.clock.Now()) {
		return nil, domain.NotFound("session not found: %s", id)
	}
	if s.Staged == nil {
		s.Staged = make(map[string]map[string]any)
	}
	if s.EntityIDs == nil {
		s.EntityIDs = make(domain.EntityGuidMap)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	return s, nil
}

// Update applies mutate to the session and writes the whole document back.
// Status changes made by mutate must go through ApplyTransition.
func (m *Manager) Update(ctx context.Context, scope domain.Scope, id string, mutate func(*domain.Session, *workflow.Definition) error) (*domain.Session, error) {
	s, err := m.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	def, err := m.workflows.Get(s.WorkflowType)
	if err != nil {
		return nil, err
	}

	before := s.Status
	if err := mutate(s, def); err != nil {
		return nil, err
	}
	if !def.IsState(s.Status) {
		return nil, domain.NewError(domain.CodeInternal, "session %s has illegal status %s", s.ID, s.Status)
	}

	if err := m.save(ctx, def, s); err != nil {
		return nil, err
	}
	if before != s.Status {
		m.metrics.RecordTransition(string(def.Type), string(before), string(s.Status))
		m.logger.Info("session transitioned",
			zap.String("session_id", s.ID),
			zap.String("workflow", string(def.Type)),
			zap.String("from", string(before)),
			zap.String("status", string(s.Status)))
	}
	return s, nil
}

// Transition moves the session to a new state.
func (m *Manager) Transition(ctx context.Context, scope domain.Scope, id string, to domain.Status) (*domain.Session, error) {
	return m.Update(ctx, scope, id, func(s *domain.Session, def *workflow.Definition) error {
		return ApplyTransition(def, s, to, m.clock.Now())
	})
}

// Touch renews the session TTL. A non-positive ttl uses the workflow TTL.
func (m *Manager) Touch(ctx context.Context, scope domain.Scope, id string, ttl time.Duration) (*domain.Session, error) {
	return m.Update(ctx, scope, id, func(s *domain.Session, def *workflow.Definition) error {
		if def.IsTerminal(s.Status) {
			return domain.Conflict("session %s is finished", s.ID)
		}
		if ttl <= 0 {
			ttl = def.TTL
		}
		s.ExpiresAt = m.clock.Now().Add(ttl)
		return nil
	})
}

// Delete removes a session visible to scope.
func (m *Manager) Delete(ctx context.Context, scope domain.Scope, id string) error {
	if _, err := m.Get(ctx, scope, id); err != nil {
		return err
	}
	return m.Purge(ctx, id)
}

// Purge removes a session without a scope check.
func (m *Manager) Purge(ctx context.Context, id string) error {
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// Progress returns the stored projection, rebuilding it from the session
// when it is missing.
func (m *Manager) Progress(ctx context.Context, scope domain.Scope, id string) (*domain.Progress, error) {
	s, err := m.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}

	p, err := m.store.GetProgress(ctx, id)
	if err == nil && p.Status == s.Status {
		return p, nil
	}

	def, err := m.workflows.Get(s.WorkflowType)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	p = ComputeProgress(def, s, now)
	if err := m.store.SaveProgress(ctx, p, ttlFor(s, now)); err != nil {
		m.logger.Warn("failed to save rebuilt progress", zap.String("session_id", id), zap.Error(err))
	}
	return p, nil
}

// List returns sessions across every organization. Only the scheduler
// should call it.
func (m *Manager) List(ctx context.Context, filter ports.SessionFilter) ([]*domain.Session, error) {
	return m.store.ListSessions(ctx, filter)
}

// UpdateUnscoped is Update for system callers that act on behalf of the
// session's own organization.
func (m *Manager) UpdateUnscoped(ctx context.Context, id string, mutate func(*domain.Session, *workflow.Definition) error) (*domain.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Update(ctx, domain.Scope{OrganizationID: s.OrganizationID}, id, mutate)
}

func (m *Manager) save(ctx context.Context, def *workflow.Definition, s *domain.Session) error {
	now := m.clock.Now()
	s.UpdatedAt = now
	m.applyRetention(def, s, now)

	ttl := ttlFor(s, now)
	if err := m.store.SaveSession(ctx, s, ttl); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := m.store.SaveProgress(ctx, ComputeProgress(def, s, now), ttl); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// applyRetention shortens or extends expires_at once a session is finished.
func (m *Manager) applyRetention(def *workflow.Definition, s *domain.Session, now time.Time) {
	if !def.IsTerminal(s.Status) {
		return
	}
	keep := m.cfg.FailureRetention
	if def.Classify(s.Status) == workflow.ClassSuccess {
		keep = m.cfg.SuccessGrace
	}
	if keep > 0 {
		s.ExpiresAt = s.LastTransitionAt.Add(keep)
	}
}

func ttlFor(s *domain.Session, now time.Time) time.Duration {
	ttl := s.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// ApplyTransition validates and applies a status change on s.
func ApplyTransition(def *workflow.Definition, s *domain.Session, to domain.Status, now time.Time) error {
	if err := def.Validate(s.Status, to); err != nil {
		return err
	}
	if missing := def.MissingRequirements(to, s.Staged); len(missing) > 0 {
		return domain.Validation("cannot enter %s: missing steps %v", to, missing)
	}
	s.Status = to
	s.LastTransitionAt = now
	return nil
}
