package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/commit"
	"github.com/aescanero/regorch/internal/application/session"
	"github.com/aescanero/regorch/internal/application/steps"
	"github.com/aescanero/regorch/internal/application/workers"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
	"github.com/aescanero/regorch/pkg/ports"
)

// Config holds engine settings.
type Config struct {
	// LockTTL bounds how long one mutating call may hold a session.
	LockTTL time.Duration
}

// Engine is the entry point for session operations. Every mutating call
// holds the session lock for the read-modify-write and emits its events
// after the lock is released.
type Engine struct {
	sessions *session.Manager
	locks    ports.LockManager
	commits  *commit.Coordinator
	events   ports.EventPublisher
	pool     *workers.Pool
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	cfg      Config

	stage     *steps.Pipeline
	notify    steps.Executor
	privilege ports.PrivilegeChecker
}

// NewEngine creates a new engine. pool may be nil, in which case
// CommitAsync is unavailable.
func NewEngine(
	sessions *session.Manager,
	locks ports.LockManager,
	commits *commit.Coordinator,
	events ports.EventPublisher,
	pool *workers.Pool,
	validator ports.StepValidator,
	sender ports.NotificationSender,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Engine{
		sessions: sessions,
		locks:    locks,
		commits:  commits,
		events:   events,
		pool:     pool,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		stage:    steps.NewPipeline(logger, steps.NewValidate(validator), steps.Stage{}, steps.Advance{}),
		notify:   steps.NewNotify(sender, logger),
	}
}

// WithPrivilege sets the checker consulted for transitions that need an
// elevated role. Without one those transitions are denied.
func (e *Engine) WithPrivilege(p ports.PrivilegeChecker) *Engine {
	e.privilege = p
	return e
}

// CreateSession starts a new session.
func (e *Engine) CreateSession(ctx context.Context, scope domain.Scope, req session.CreateRequest) (*domain.Session, error) {
	s, err := e.sessions.Create(ctx, scope, req)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, domain.EventSessionCreated, s, map[string]any{"status": string(s.Status)})
	return s, nil
}

// GetSession returns a session visible to scope.
func (e *Engine) GetSession(ctx context.Context, scope domain.Scope, id string) (*domain.Session, error) {
	return e.sessions.Get(ctx, scope, id)
}

// GetProgress returns the progress projection of a session.
func (e *Engine) GetProgress(ctx context.Context, scope domain.Scope, id string) (*domain.Progress, error) {
	return e.sessions.Progress(ctx, scope, id)
}

// AddStepData validates and stages the payload of one step. The session
// advances when the step completes the requirements of its target state.
func (e *Engine) AddStepData(ctx context.Context, scope domain.Scope, id, step string, payload map[string]any) (*domain.Session, error) {
	var sc *steps.StepContext

	err := e.withLock(ctx, id, func() error {
		_, err := e.sessions.Update(ctx, scope, id, func(s *domain.Session, def *workflow.Definition) error {
			spec, ok := def.Step(step)
			if !ok {
				return domain.Validation("unknown step %s for workflow %s", step, def.Type)
			}
			sc = &steps.StepContext{
				Session:    s,
				Definition: def,
				Step:       spec,
				Payload:    payload,
				Now:        e.sessions.Now(),
				From:       s.Status,
			}
			return e.stage.Run(ctx, sc)
		})
		if err != nil {
			return err
		}
		return e.notify.Execute(ctx, sc)
	})
	if err != nil {
		return nil, err
	}

	s := sc.Session
	e.logger.Info("step data added",
		zap.String("session_id", s.ID),
		zap.String("step", step),
		zap.String("status", string(s.Status)))

	e.emit(ctx, domain.EventStepAdded, s, map[string]any{"step": step, "status": string(s.Status)})
	if sc.Advanced {
		e.emit(ctx, domain.EventSessionTransitioned, s, map[string]any{
			"from": string(sc.From),
			"to":   string(s.Status),
		})
		if sc.Step.Emits != "" {
			e.emit(ctx, sc.Step.Emits, s, map[string]any{"step": step})
		}
	}
	return s, nil
}

// Transition moves a session to a new state on behalf of actor. It serves
// email verification, payment callbacks, approvals, rejections and
// cancellations. States the engine drives itself cannot be requested, and
// approval-like states need an elevated role.
func (e *Engine) Transition(ctx context.Context, actor domain.Actor, id string, to domain.Status) (*domain.Session, error) {
	return e.transition(ctx, actor.Scope(), id, to, func(def *workflow.Definition, from domain.Status) error {
		if err := def.ValidateCaller(from, to); err != nil {
			return err
		}
		if def.RequiresElevation(to) && (e.privilege == nil || !e.privilege.HasElevatedRole(actor)) {
			return domain.PermissionDenied("entering %s requires an elevated role", to)
		}
		return nil
	})
}

// TransitionSystem moves a session to any legal state. It is meant for
// event chains and other engine-side handlers.
func (e *Engine) TransitionSystem(ctx context.Context, scope domain.Scope, id string, to domain.Status) (*domain.Session, error) {
	return e.transition(ctx, scope, id, to, nil)
}

func (e *Engine) transition(ctx context.Context, scope domain.Scope, id string, to domain.Status, guard func(*workflow.Definition, domain.Status) error) (*domain.Session, error) {
	var (
		s    *domain.Session
		from domain.Status
	)
	err := e.withLock(ctx, id, func() error {
		var err error
		s, err = e.sessions.Update(ctx, scope, id, func(s *domain.Session, def *workflow.Definition) error {
			from = s.Status
			if guard != nil {
				if err := guard(def, from); err != nil {
					return err
				}
			}
			return session.ApplyTransition(def, s, to, e.sessions.Now())
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, domain.EventSessionTransitioned, s, map[string]any{
		"from": string(from),
		"to":   string(s.Status),
	})
	return s, nil
}

// Touch renews the TTL of a session that is still in progress.
func (e *Engine) Touch(ctx context.Context, scope domain.Scope, id string, ttl time.Duration) (*domain.Session, error) {
	var s *domain.Session
	err := e.withLock(ctx, id, func() error {
		var err error
		s, err = e.sessions.Touch(ctx, scope, id, ttl)
		return err
	})
	return s, err
}

// Commit creates the session's entities. A failed plan is reported through
// the result with a nil error.
func (e *Engine) Commit(ctx context.Context, scope domain.Scope, id string) (*domain.CommitResult, error) {
	var result *domain.CommitResult
	err := e.withLock(ctx, id, func() error {
		var err error
		result, err = e.commits.Commit(ctx, scope, id)
		return err
	})
	return result, err
}

// CommitAsync checks that the session can commit and queues the commit on
// the worker pool.
func (e *Engine) CommitAsync(ctx context.Context, scope domain.Scope, id string) error {
	if e.pool == nil {
		return domain.NewError(domain.CodeInternal, "asynchronous commits are not enabled")
	}

	s, err := e.sessions.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	def, err := e.sessions.Definition(s.WorkflowType)
	if err != nil {
		return err
	}
	if s.Committed {
		return domain.Conflict("session %s is already committed", s.ID)
	}
	if s.Status != def.ReadyState {
		return domain.InvalidTransition(def.Type, s.Status, def.CommittingState)
	}

	return e.pool.Submit(workers.Job{
		Name:      "commit",
		SessionID: id,
		Run: func(ctx context.Context) error {
			_, err := e.Commit(ctx, scope, id)
			return err
		},
	})
}

// RetryCommit commits a session again from a due retry entry.
func (e *Engine) RetryCommit(ctx context.Context, entry domain.RetryQueueEntry) (*domain.CommitResult, error) {
	var result *domain.CommitResult
	err := e.withLock(ctx, entry.SessionID, func() error {
		var err error
		result, err = e.commits.Retry(ctx, entry)
		return err
	})
	return result, err
}

// RecoverCommit fails a commit that stopped without an outcome, such as
// one whose worker died. A commit still running holds the lock, so it
// yields a conflict instead.
func (e *Engine) RecoverCommit(ctx context.Context, id string, stale func(*domain.Session, *workflow.Definition) bool) (*domain.Session, error) {
	var s *domain.Session
	err := e.withLock(ctx, id, func() error {
		var err error
		s, err = e.commits.Interrupt(ctx, id, stale)
		return err
	})
	return s, err
}

// DeleteSession removes a session and everything stored with it.
func (e *Engine) DeleteSession(ctx context.Context, scope domain.Scope, id string) error {
	var s *domain.Session
	err := e.withLock(ctx, id, func() error {
		var err error
		if s, err = e.sessions.Get(ctx, scope, id); err != nil {
			return err
		}
		return e.sessions.Purge(ctx, id)
	})
	if err != nil {
		return err
	}
	e.emit(ctx, domain.EventSessionDeleted, s, nil)
	return nil
}

// UpdateSystem applies mutate to a session on behalf of a system actor
// such as the scheduler, under the session lock.
func (e *Engine) UpdateSystem(ctx context.Context, id string, mutate func(*domain.Session, *workflow.Definition) error) (*domain.Session, error) {
	var s *domain.Session
	err := e.withLock(ctx, id, func() error {
		var err error
		s, err = e.sessions.UpdateUnscoped(ctx, id, mutate)
		return err
	})
	return s, err
}

// Purge removes a session without taking its lock. It is meant for
// handlers that run while the session's own commit still holds the lock.
func (e *Engine) Purge(ctx context.Context, s *domain.Session) error {
	if err := e.sessions.Purge(ctx, s.ID); err != nil {
		return err
	}
	e.emit(ctx, domain.EventSessionDeleted, s, nil)
	return nil
}

// Emit publishes an event about a session.
func (e *Engine) Emit(ctx context.Context, t domain.EventType, s *domain.Session, data map[string]any) {
	e.emit(ctx, t, s, data)
}

func (e *Engine) emit(ctx context.Context, t domain.EventType, s *domain.Session, data map[string]any) {
	e.events.Emit(ctx, domain.SessionEvent("", t, s, e.sessions.Now(), data))
}

// withLock runs fn while holding the session lock. A held lock fails fast
// with a conflict.
func (e *Engine) withLock(ctx context.Context, id string, fn func() error) error {
	if id == "" {
		return domain.Validation("session id is required")
	}

	token, ok, err := e.locks.Acquire(ctx, id, e.cfg.LockTTL)
	if err != nil {
		return domain.ExternalService(err, "failed to acquire session lock")
	}
	if !ok {
		e.metrics.RecordLockContention("session")
		e.logger.Debug("session is locked", zap.String("session_id", id))
		return domain.Conflict("session is locked: %s", id)
	}
	defer func() {
		if err := e.locks.Release(context.WithoutCancel(ctx), id, token); err != nil {
			e.logger.Warn("failed to release session lock", zap.String("session_id", id), zap.Error(err))
		}
	}()

	return fn()
}
