package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/session"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
	"github.com/aescanero/regorch/pkg/ports"
)

const tracerName = "github.com/aescanero/regorch/internal/application/commit"

// errInterrupted is recorded on a commit that stopped without an outcome.
var errInterrupted = domain.ExternalService(errors.New("no outcome recorded"), "commit interrupted")

// Config holds the retry policy of a commit.
type Config struct {
	// MaxRetryAttempts is the number of retries after the first call of a
	// plan step.
	MaxRetryAttempts int
	InitialDelay     time.Duration
	Multiplier       float64
	// MaxCommitAttempts caps the commits a session may run, manual or
	// scheduled.
	MaxCommitAttempts int
	// RetryQueueDelay is the base delay before a failed session is
	// committed again.
	RetryQueueDelay time.Duration
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:  3,
		InitialDelay:      2 * time.Second,
		Multiplier:        2,
		MaxCommitAttempts: 3,
		RetryQueueDelay:   5 * time.Minute,
	}
}

// Coordinator runs the commit plan of a session as a saga: optional steps
// recover forward, required steps roll back everything created before them.
type Coordinator struct {
	sessions *session.Manager
	registry ports.RegistryClient
	store    ports.SessionStore
	attempts ports.AttemptRecorder
	events   ports.EventPublisher
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	cfg      Config

	tracer   trace.Tracer
	newTimer func() backoff.Timer
}

// NewCoordinator creates a new commit coordinator. attempts may be nil.
func NewCoordinator(
	sessions *session.Manager,
	registry ports.RegistryClient,
	store ports.SessionStore,
	attempts ports.AttemptRecorder,
	events ports.EventPublisher,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
) *Coordinator {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Coordinator{
		sessions: sessions,
		registry: registry,
		store:    store,
		attempts: attempts,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		tracer:   otel.Tracer(tracerName),
	}
}

// WithTimer replaces the timer used to wait between step retries.
func (c *Coordinator) WithTimer(newTimer func() backoff.Timer) *Coordinator {
	c.newTimer = newTimer
	return c
}

// WithTracerProvider traces commits through tp instead of the global
// provider.
func (c *Coordinator) WithTracerProvider(tp trace.TracerProvider) *Coordinator {
	c.tracer = tp.Tracer(tracerName)
	return c
}

type created struct {
	entityType string
	id         string
}

// attempt is the working state of one commit attempt.
type attempt struct {
	def       *workflow.Definition
	session   *domain.Session
	entityIDs domain.EntityGuidMap
	created   []created
	steps     []domain.StepResult
	optional  []domain.StepError

	failedStep string
	cause      error
}

// Commit runs the plan for a session in its ready state. Plan failures are
// reported through the result; the error is reserved for caller mistakes
// and storage failures.
func (c *Coordinator) Commit(ctx context.Context, scope domain.Scope, id string) (*domain.CommitResult, error) {
	ctx, span := c.tracer.Start(ctx, "commit.Commit", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	start := time.Now()
	s, err := c.sessions.Update(ctx, scope, id, func(s *domain.Session, def *workflow.Definition) error {
		if s.Committed {
			return domain.Conflict("session %s is already committed", s.ID)
		}
		if s.Status != def.ReadyState {
			return domain.InvalidTransition(def.Type, s.Status, def.CommittingState)
		}
		if c.cfg.MaxCommitAttempts > 0 && s.CommitAttempts >= c.cfg.MaxCommitAttempts {
			return domain.Conflict("session %s has used all %d commit attempts", s.ID, c.cfg.MaxCommitAttempts)
		}
		s.CommitAttempts++
		return session.ApplyTransition(def, s, def.CommittingState, c.sessions.Now())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	def, err := c.sessions.Definition(s.WorkflowType)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("workflow", string(def.Type)),
		attribute.Int("commit.attempt", s.CommitAttempts))

	c.emit(ctx, domain.EventSessionCommitting, s, map[string]any{"attempt": s.CommitAttempts})

	a := &attempt{def: def, session: s, entityIDs: make(domain.EntityGuidMap)}
	for _, step := range def.Plan {
		result, err := c.runStep(ctx, a, step)
		a.steps = append(a.steps, result)
		if err == nil {
			continue
		}
		if !step.Required {
			a.optional = append(a.optional, stepError(step.EntityType, err, c.sessions.Now()))
			continue
		}
		a.failedStep = step.EntityType
		a.cause = err
		break
	}

	var result *domain.CommitResult
	if a.cause != nil {
		result, err = c.fail(ctx, scope, a)
	} else {
		result, err = c.succeed(ctx, scope, a)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outcome := "succeeded"
	if !result.Success {
		outcome = "failed"
		span.SetStatus(codes.Error, fmt.Sprintf("step %s failed", result.FailedStep))
	}
	c.metrics.RecordCommit(string(def.Type), outcome, time.Since(start))
	c.record(ctx, s, outcome, result)

	return result, nil
}

func (c *Coordinator) succeed(ctx context.Context, scope domain.Scope, a *attempt) (*domain.CommitResult, error) {
	s, err := c.sessions.Update(ctx, scope, a.session.ID, func(s *domain.Session, def *workflow.Definition) error {
		s.EntityIDs = a.entityIDs
		s.Errors = append(s.Errors, a.optional...)
		s.Committed = true
		return session.ApplyTransition(def, s, def.SuccessState, c.sessions.Now())
	})
	if err != nil {
		// Nothing points at the new entities once the session cannot record
		// them, so undo them like a failed step.
		if compErrs := c.compensate(ctx, a); len(compErrs) > 0 {
			c.logger.Error("failed to undo unrecorded commit",
				zap.String("session_id", a.session.ID),
				zap.Strings("errors", compErrs))
		}
		return nil, fmt.Errorf("failed to record commit: %w", err)
	}
	if err := c.store.DeleteRetry(ctx, s.ID); err != nil {
		c.logger.Warn("failed to clear retry entry", zap.String("session_id", s.ID), zap.Error(err))
	}

	c.logger.Info("session committed",
		zap.String("session_id", s.ID),
		zap.String("workflow", string(s.WorkflowType)),
		zap.Int("entities", len(s.EntityIDs)),
		zap.Int("optional_errors", len(a.optional)))

	c.emit(ctx, domain.EventEntitiesCreated, s, map[string]any{
		"entity_ids": map[string]string(s.EntityIDs),
		"workflow":   string(s.WorkflowType),
	})

	return &domain.CommitResult{
		Success:   true,
		SessionID: s.ID,
		Status:    s.Status,
		EntityIDs: s.EntityIDs,
		Steps:     a.steps,
		Errors:    append([]domain.StepError{}, a.optional...),
	}, nil
}

func (c *Coordinator) fail(ctx context.Context, scope domain.Scope, a *attempt) (*domain.CommitResult, error) {
	compErrs := c.compensate(ctx, a)
	compensated := len(a.created) > 0
	root := stepError(a.failedStep, a.cause, c.sessions.Now())

	s, err := c.sessions.Update(ctx, scope, a.session.ID, func(s *domain.Session, def *workflow.Definition) error {
		s.Errors = append(s.Errors, a.optional...)
		s.Errors = append(s.Errors, root)
		s.EntityIDs = make(domain.EntityGuidMap)
		return session.ApplyTransition(def, s, def.FailureState, c.sessions.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record commit failure: %w", err)
	}

	c.logger.Warn("commit failed",
		zap.String("session_id", s.ID),
		zap.String("workflow", string(s.WorkflowType)),
		zap.String("entity_type", a.failedStep),
		zap.Bool("compensated", compensated),
		zap.Int("compensation_errors", len(compErrs)),
		zap.Error(a.cause))

	result := &domain.CommitResult{
		Success:            false,
		SessionID:          s.ID,
		Status:             s.Status,
		EntityIDs:          domain.EntityGuidMap{},
		Steps:              a.steps,
		Errors:             append(append([]domain.StepError{}, a.optional...), root),
		FailedStep:         a.failedStep,
		Compensated:        compensated,
		CompensationErrors: compErrs,
	}

	if retryAt, ok := c.scheduleRetry(ctx, s, a.cause); ok {
		result.RetryScheduledAt = &retryAt
	}

	errs := make([]string, len(result.Errors))
	for i, e := range result.Errors {
		errs[i] = e.Message
	}
	c.emit(ctx, domain.EventCommitFailed, s, map[string]any{
		"failed_step": a.failedStep,
		"compensated": compensated,
		"errors":      errs,
	})
	if compensated {
		c.emit(ctx, domain.EventSessionCompensated, s, map[string]any{
			"deleted": len(a.created) - len(compErrs),
			"errors":  compErrs,
		})
	}

	return result, nil
}

// Interrupt fails a session left in its committing state by a commit that
// never finished, and queues a retry when the budget allows. stale, when
// set, must confirm the session has been committing long enough. The
// caller holds the session lock, so a live commit is never interrupted.
// Entities the lost attempt created are not known here; plan steps with a
// natural key pick them up again on the next commit.
func (c *Coordinator) Interrupt(ctx context.Context, id string, stale func(*domain.Session, *workflow.Definition) bool) (*domain.Session, error) {
	root := stepError("commit", errInterrupted, c.sessions.Now())

	s, err := c.sessions.UpdateUnscoped(ctx, id, func(s *domain.Session, def *workflow.Definition) error {
		if s.Status != def.CommittingState || (stale != nil && !stale(s, def)) {
			return domain.Conflict("session %s has no interrupted commit", s.ID)
		}
		s.Errors = append(s.Errors, root)
		s.EntityIDs = make(domain.EntityGuidMap)
		return session.ApplyTransition(def, s, def.FailureState, c.sessions.Now())
	})
	if err != nil {
		return nil, err
	}

	c.logger.Warn("interrupted commit failed",
		zap.String("session_id", s.ID),
		zap.String("workflow", string(s.WorkflowType)),
		zap.Int("attempt", s.CommitAttempts))

	data := map[string]any{
		"failed_step": root.Step,
		"compensated": false,
		"errors":      []string{root.Message},
	}
	if retryAt, ok := c.scheduleRetry(ctx, s, errInterrupted); ok {
		data["retry_scheduled_at"] = retryAt
	}
	c.emit(ctx, domain.EventCommitFailed, s, data)
	c.record(ctx, s, "interrupted", &domain.CommitResult{
		SessionID:  s.ID,
		Status:     s.Status,
		Errors:     []domain.StepError{root},
		FailedStep: root.Step,
	})
	return s, nil
}

// compensate deletes the entities created by this attempt, newest first.
// Deletion failures are collected and never stop the rollback.
func (c *Coordinator) compensate(ctx context.Context, a *attempt) []string {
	if len(a.created) == 0 {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "commit.Compensate",
		trace.WithAttributes(attribute.Int("entities", len(a.created))))
	defer span.End()

	var errs []string
	for i := len(a.created) - 1; i >= 0; i-- {
		e := a.created[i]
		if err := c.registry.DeleteEntity(ctx, e.entityType, e.id); err != nil {
			c.logger.Error("failed to delete entity during compensation",
				zap.String("session_id", a.session.ID),
				zap.String("entity_type", e.entityType),
				zap.String("entity_id", e.id),
				zap.Error(err))
			errs = append(errs, fmt.Sprintf("%s %s: %v", e.entityType, e.id, err))
			continue
		}
		c.logger.Debug("entity compensated",
			zap.String("session_id", a.session.ID),
			zap.String("entity_type", e.entityType),
			zap.String("entity_id", e.id))
	}
	if len(errs) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d deletions failed", len(errs)))
	}
	c.metrics.RecordCompensation(string(a.def.Type), len(a.created)-len(errs))
	return errs
}

// scheduleRetry queues another commit when the cause is transient and the
// attempt budget allows it. The delay doubles with every attempt.
func (c *Coordinator) scheduleRetry(ctx context.Context, s *domain.Session, cause error) (time.Time, bool) {
	if !domain.IsRetryable(cause) || c.cfg.RetryQueueDelay <= 0 || s.CommitAttempts >= c.cfg.MaxCommitAttempts {
		return time.Time{}, false
	}

	now := c.sessions.Now()
	delay := RetryDelay(c.cfg.RetryQueueDelay, s.CommitAttempts)
	entry := domain.RetryQueueEntry{
		SessionID:      s.ID,
		OrganizationID: s.OrganizationID,
		RetryAt:        now.Add(delay),
		Attempt:        s.CommitAttempts + 1,
	}
	if err := c.store.EnqueueRetry(ctx, entry, delay+c.cfg.RetryQueueDelay); err != nil {
		c.logger.Error("failed to enqueue commit retry", zap.String("session_id", s.ID), zap.Error(err))
		return time.Time{}, false
	}

	c.logger.Info("commit retry scheduled",
		zap.String("session_id", s.ID),
		zap.Int("attempt", entry.Attempt),
		zap.Time("retry_at", entry.RetryAt))
	return entry.RetryAt, true
}

// RetryDelay is base × 2^(attempt-1).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// Retry commits a session named by a due retry entry. Entries for sessions
// that are gone or no longer failed are dropped and yield a nil result.
func (c *Coordinator) Retry(ctx context.Context, entry domain.RetryQueueEntry) (*domain.CommitResult, error) {
	scope := domain.Scope{OrganizationID: entry.OrganizationID}

	s, err := c.sessions.Get(ctx, scope, entry.SessionID)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeNotFound {
			return nil, c.store.DeleteRetry(ctx, entry.SessionID)
		}
		return nil, err
	}
	def, err := c.sessions.Definition(s.WorkflowType)
	if err != nil {
		return nil, err
	}
	if s.Status != def.FailureState {
		c.logger.Debug("dropping stale retry entry",
			zap.String("session_id", s.ID),
			zap.String("status", string(s.Status)))
		return nil, c.store.DeleteRetry(ctx, entry.SessionID)
	}

	if _, err := c.sessions.Update(ctx, scope, s.ID, func(s *domain.Session, def *workflow.Definition) error {
		return session.ApplyTransition(def, s, def.ReadyState, c.sessions.Now())
	}); err != nil {
		return nil, err
	}
	if err := c.store.DeleteRetry(ctx, entry.SessionID); err != nil {
		return nil, fmt.Errorf("failed to delete retry entry: %w", err)
	}

	return c.Commit(ctx, scope, s.ID)
}

func (c *Coordinator) emit(ctx context.Context, t domain.EventType, s *domain.Session, data map[string]any) {
	c.events.Emit(ctx, domain.SessionEvent("", t, s, c.sessions.Now(), data))
}

func (c *Coordinator) record(ctx context.Context, s *domain.Session, outcome string, result *domain.CommitResult) {
	if c.attempts == nil {
		return
	}
	errs := make([]string, 0, len(result.Errors)+len(result.CompensationErrors))
	for _, e := range result.Errors {
		errs = append(errs, e.Message)
	}
	errs = append(errs, result.CompensationErrors...)

	err := c.attempts.RecordAttempt(ctx, ports.CommitAttempt{
		SessionID:      s.ID,
		OrganizationID: s.OrganizationID,
		WorkflowType:   s.WorkflowType,
		Attempt:        s.CommitAttempts,
		Outcome:        outcome,
		FailedStep:     result.FailedStep,
		Compensated:    result.Compensated,
		Errors:         errs,
		CreatedAt:      c.sessions.Now(),
	})
	if err != nil {
		c.logger.Warn("failed to record commit attempt", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func stepError(step string, err error, at time.Time) domain.StepError {
	return domain.StepError{
		Step:       step,
		Code:       domain.CodeOf(err),
		Message:    err.Error(),
		OccurredAt: at,
	}
}
