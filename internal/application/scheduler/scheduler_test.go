package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/commit"
	"github.com/aescanero/regorch/internal/application/orchestrator"
	"github.com/aescanero/regorch/internal/application/session"
	"github.com/aescanero/regorch/pkg/adapters/auth/jwt"
	"github.com/aescanero/regorch/pkg/adapters/clock"
	events "github.com/aescanero/regorch/pkg/adapters/events/memory"
	lock "github.com/aescanero/regorch/pkg/adapters/lock/memory"
	"github.com/aescanero/regorch/pkg/adapters/metrics/noop"
	notify "github.com/aescanero/regorch/pkg/adapters/notify/memory"
	registry "github.com/aescanero/regorch/pkg/adapters/registry/memory"
	"github.com/aescanero/regorch/pkg/adapters/storage/memory"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
	"github.com/aescanero/regorch/pkg/ports"
)

var (
	epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	scope = domain.Scope{OrganizationID: "org-1", ActorID: "u-1"}
	user  = domain.Actor{ID: "u-1", OrganizationID: "org-1"}
	admin = domain.Actor{ID: "ops-1", OrganizationID: "org-1", Roles: []string{"admin"}}
)

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) {
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

type fixture struct {
	clk       *clock.Fake
	locks     *lock.LockManager
	registry  *registry.Registry
	sender    *notify.Recorder
	bus       *events.Bus
	engine    *orchestrator.Engine
	scheduler *Scheduler

	mu   sync.Mutex
	seen []domain.EventType
}

func newFixture(t *testing.T, sender ports.NotificationSender, cfg Config, jobs ...Job) *fixture {
	t.Helper()

	f := &fixture{
		clk:      clock.NewFake(epoch),
		registry: registry.NewRegistry(),
		sender:   notify.NewRecorder(),
	}
	if sender == nil {
		sender = f.sender
	}
	f.locks = lock.NewLockManager(f.clk)
	f.bus = events.NewBus(f.clk, zap.NewNop())
	f.bus.OnAny(func(_ context.Context, e domain.Event) error {
		f.mu.Lock()
		f.seen = append(f.seen, e.Type)
		f.mu.Unlock()
		return nil
	})

	store := memory.NewSessionStore(f.clk)
	sessions := session.NewManager(store, workflow.Builtin(), f.clk, noop.Collector{}, zap.NewNop(), session.Config{
		SuccessGrace:     time.Hour,
		FailureRetention: 24 * time.Hour,
	})
	coord := commit.NewCoordinator(sessions, f.registry, store, nil, f.bus, noop.Collector{}, zap.NewNop(), commit.DefaultConfig()).
		WithTimer(func() backoff.Timer { return &instantTimer{} })
	f.engine = orchestrator.NewEngine(sessions, f.locks, coord, f.bus, nil, nil, sender, noop.Collector{}, zap.NewNop(),
		orchestrator.Config{LockTTL: time.Minute})

	if len(jobs) == 0 {
		jobs = DefaultJobs(Intervals{
			Reminders:   30 * time.Minute,
			Escalations: 12 * time.Hour,
			Expiry:      24 * time.Hour,
			Retries:     time.Minute,
		})
	}
	f.scheduler = NewScheduler(f.engine, sessions, store, f.locks, sender, jwt.NewRoleChecker("admin"),
		noop.Collector{}, zap.NewNop(), cfg, jobs)
	return f
}

func (f *fixture) events() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.EventType(nil), f.seen...)
}

func (f *fixture) pendingVerification(t *testing.T) *domain.Session {
	t.Helper()
	ctx := context.Background()

	s, err := f.engine.CreateSession(ctx, scope, session.CreateRequest{WorkflowType: domain.WorkflowAccount})
	require.NoError(t, err)
	s, err = f.engine.AddStepData(ctx, scope, s.ID, "contact", map[string]any{"email": "ada@example.com"})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusEmailVerificationPending, s.Status)
	return s
}

func (f *fixture) stagedAccount(t *testing.T) *domain.Session {
	t.Helper()
	ctx := context.Background()

	s := f.pendingVerification(t)
	_, err := f.engine.Transition(ctx, user, s.ID, workflow.StatusEmailVerified)
	require.NoError(t, err)
	s, err = f.engine.AddStepData(ctx, scope, s.ID, "profile", map[string]any{"first_name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusDataStaged, s.Status)
	return s
}

func TestRemindersAreCapped(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	s := f.pendingVerification(t)

	sum, err := f.scheduler.RunJob(ctx, "reminders")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Processed, "too early for a reminder")

	for i := 1; i <= 4; i++ {
		f.clk.Advance(5 * time.Hour)
		sum, err = f.scheduler.RunJob(ctx, "reminders")
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Scanned)
		assert.Empty(t, sum.Errors)
		if i <= 3 {
			assert.Equal(t, 1, sum.Processed, "run %d", i)
		} else {
			assert.Equal(t, 0, sum.Processed, "run %d", i)
		}
	}

	assert.Equal(t, []string{
		"email_verification",
		"email_verification_reminder",
		"email_verification_reminder",
		"email_verification_reminder",
	}, f.sender.Templates())
	assert.Equal(t, "ada@example.com", f.sender.Sent()[1].To)

	got, err := f.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RemindersSent)
	assert.Contains(t, f.events(), domain.EventReminderSent)
}

func TestApprovalEscalation(t *testing.T) {
	f := newFixture(t, nil, Config{OperatorEmail: "ops@example.com"})
	ctx := context.Background()

	s, err := f.engine.CreateSession(ctx, scope, session.CreateRequest{
		WorkflowType: domain.WorkflowMembership,
		Metadata:     map[string]any{"email": "grace@example.com"},
	})
	require.NoError(t, err)
	for _, step := range []string{"category", "employment", "practices"} {
		_, err = f.engine.AddStepData(ctx, scope, s.ID, step, map[string]any{"value": step})
		require.NoError(t, err)
	}
	_, err = f.engine.Transition(ctx, user, s.ID, workflow.StatusPaymentPending)
	require.NoError(t, err)
	_, err = f.engine.AddStepData(ctx, scope, s.ID, "payment", map[string]any{"reference": "pay-1"})
	require.NoError(t, err)

	f.clk.Advance(49 * time.Hour)
	sum, err := f.scheduler.RunJob(ctx, "escalations")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)

	sent := f.sender.Sent()
	last := sent[len(sent)-1]
	assert.Equal(t, "ops@example.com", last.To)
	assert.Equal(t, "approval_escalation", last.Template)
	assert.Equal(t, s.ID, last.Vars["session_id"])

	got, err := f.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Escalated)
	assert.Contains(t, f.events(), domain.EventSessionEscalated)

	// Escalation happens once per session.
	f.clk.Advance(time.Hour)
	sum, err = f.scheduler.RunJob(ctx, "escalations")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Processed)
	assert.Len(t, f.sender.Sent(), len(sent))
}

func TestExpiryRule(t *testing.T) {
	job := Job{Name: "expiry", Interval: time.Hour, Rules: []Rule{{
		Name:      "stale",
		Age:       AgeCreated,
		OlderThan: time.Hour,
		Action:    ActionExpire,
	}}}
	f := newFixture(t, nil, Config{}, job)
	ctx := context.Background()

	s := f.pendingVerification(t)
	f.clk.Advance(2 * time.Hour)

	sum, err := f.scheduler.RunJob(ctx, "expiry")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cleaned)

	got, err := f.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Contains(t, f.events(), domain.EventSessionExpired)

	// Expired sessions no longer match.
	sum, err = f.scheduler.RunJob(ctx, "expiry")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Cleaned)
}

func TestBusySessionsAreSkipped(t *testing.T) {
	job := Job{Name: "expiry", Interval: time.Hour, Rules: []Rule{{
		Name:      "stale",
		Age:       AgeCreated,
		OlderThan: time.Hour,
		Action:    ActionExpire,
	}}}
	f := newFixture(t, nil, Config{}, job)
	ctx := context.Background()

	s := f.pendingVerification(t)
	f.clk.Advance(2 * time.Hour)

	_, ok, err := f.locks.Acquire(ctx, s.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := f.scheduler.RunJob(ctx, "expiry")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SkippedSessions)
	assert.Equal(t, 0, sum.Cleaned)
	assert.Empty(t, sum.Errors)
}

// blockingSender parks reminder sends until released.
type blockingSender struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) Send(_ context.Context, _, template string, _ map[string]any) error {
	if template == "email_verification_reminder" {
		b.entered <- struct{}{}
		<-b.release
	}
	return nil
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	sender := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, sender, Config{})
	ctx := context.Background()

	f.pendingVerification(t)
	f.clk.Advance(5 * time.Hour)

	done := make(chan *Summary, 1)
	go func() {
		sum, err := f.scheduler.RunJob(ctx, "reminders")
		assert.NoError(t, err)
		done <- sum
	}()
	<-sender.entered

	sum, err := f.scheduler.RunJob(ctx, "reminders")
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	assert.Zero(t, sum.Scanned)
	assert.Zero(t, sum.Processed)

	close(sender.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Processed)
}

func TestLeaderLease(t *testing.T) {
	f := newFixture(t, nil, Config{LeaderLease: true})
	ctx := context.Background()

	f.pendingVerification(t)
	f.clk.Advance(5 * time.Hour)

	lease, ok, err := f.locks.Acquire(ctx, "scheduler:reminders", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := f.scheduler.RunJob(ctx, "reminders")
	require.NoError(t, err)
	assert.True(t, sum.Skipped)

	require.NoError(t, f.locks.Release(ctx, "scheduler:reminders", lease))
	sum, err = f.scheduler.RunJob(ctx, "reminders")
	require.NoError(t, err)
	assert.False(t, sum.Skipped)
	assert.Equal(t, 1, sum.Processed)

	held, err := f.locks.IsLocked(ctx, "scheduler:reminders")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRetryJobRecommits(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	f.registry.FailCreate("account", domain.ExternalService(errors.New("connection reset"), "registry unavailable"), 4)

	s := f.stagedAccount(t)
	result, err := f.engine.Commit(ctx, scope, s.ID)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NotNil(t, result.RetryScheduledAt)

	sum, err := f.scheduler.RunJob(ctx, "retries")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned, "retry is not due yet")

	f.clk.Advance(5 * time.Minute)
	sum, err = f.scheduler.RunJob(ctx, "retries")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Equal(t, 1, sum.Processed)
	assert.Empty(t, sum.Errors)

	got, err := f.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CommitAttempts)

	sum, err = f.scheduler.RunJob(ctx, "retries")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned)
}

func TestRetryJobDropsStaleEntries(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	f.registry.FailCreate("account", domain.ExternalService(errors.New("connection reset"), "registry unavailable"), 4)

	s := f.stagedAccount(t)
	_, err := f.engine.Commit(ctx, scope, s.ID)
	require.NoError(t, err)
	// The session is moved on by hand before the retry is due.
	_, err = f.engine.Transition(ctx, user, s.ID, domain.StatusDataStaged)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	sum, err := f.scheduler.RunJob(ctx, "retries")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cleaned)
	assert.Equal(t, 4, f.registry.CreateAttempts("account"), "no commit was attempted")

	sum, err = f.scheduler.RunJob(ctx, "retries")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned)
}

func TestRunJobUnknown(t *testing.T) {
	f := newFixture(t, nil, Config{})
	_, err := f.scheduler.RunJob(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.scheduler.Start()
	f.scheduler.Start()
	f.scheduler.Stop()
	f.scheduler.Stop()
}

func TestTrigger(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	pending := f.pendingVerification(t)
	done := f.stagedAccount(t)
	result, err := f.engine.Commit(ctx, scope, done.ID)
	require.NoError(t, err)
	require.True(t, result.Success)

	other := domain.Scope{OrganizationID: "org-2", ActorID: "u-2"}
	foreign, err := f.engine.CreateSession(ctx, other, session.CreateRequest{WorkflowType: domain.WorkflowAccount})
	require.NoError(t, err)

	t.Run("requires elevated role", func(t *testing.T) {
		_, err := f.scheduler.Trigger(ctx, user, ManualRequest{Workflow: domain.WorkflowAccount})
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("requires a filter", func(t *testing.T) {
		_, err := f.scheduler.Trigger(ctx, admin, ManualRequest{})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("expires pending and deletes finished", func(t *testing.T) {
		res, err := f.scheduler.Trigger(ctx, admin, ManualRequest{Workflow: domain.WorkflowAccount})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Cleaned)
		assert.Empty(t, res.Errors)

		got, err := f.engine.GetSession(ctx, scope, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, got.Status)

		_, err = f.engine.GetSession(ctx, scope, done.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		got, err = f.engine.GetSession(ctx, other, foreign.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInitiated, got.Status)
	})
}

// strand leaves a session in its committing state as a worker that died
// mid-commit would.
func (f *fixture) strand(t *testing.T, id string) {
	t.Helper()
	_, err := f.engine.UpdateSystem(context.Background(), id, func(s *domain.Session, def *workflow.Definition) error {
		s.CommitAttempts++
		return session.ApplyTransition(def, s, def.CommittingState, f.clk.Now())
	})
	require.NoError(t, err)
}

func TestInterruptedCommitRecovery(t *testing.T) {
	recovery := Job{Name: "recovery", Interval: time.Minute, Rules: []Rule{{
		Name:      "interrupted-commit",
		Age:       AgeTransition,
		OlderThan: 3 * time.Minute,
		Action:    ActionRecover,
	}}}
	retries := Job{Name: "retries", Interval: time.Minute, Retries: true}
	f := newFixture(t, nil, Config{}, recovery, retries)
	ctx := context.Background()

	s := f.stagedAccount(t)
	f.strand(t, s.ID)

	sum, err := f.scheduler.RunJob(ctx, "recovery")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Processed)

	// A commit that still holds the lock is left alone.
	token, ok, err := f.locks.Acquire(ctx, s.ID, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	f.clk.Advance(5 * time.Minute)

	sum, err = f.scheduler.RunJob(ctx, "recovery")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SkippedSessions)
	got, err := f.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitting, got.Status)

	require.NoError(t, f.locks.Release(ctx, s.ID, token))
	sum, err = f.scheduler.RunJob(ctx, "recovery")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Empty(t, sum.Errors)

	got, err = f.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotEmpty(t, got.Errors)
	last := got.Errors[len(got.Errors)-1]
	assert.Equal(t, "commit", last.Step)
	assert.Equal(t, domain.CodeExternalService, last.Code)
	assert.Contains(t, f.events(), domain.EventCommitFailed)

	// The interrupted commit is retried like any transient failure.
	f.clk.Advance(5 * time.Minute)
	sum, err = f.scheduler.RunJob(ctx, "retries")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)

	got, err = f.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CommitAttempts)
	assert.Equal(t, 2, f.registry.Total())
}

func TestTriggerFailsStuckCommit(t *testing.T) {
	f := newFixture(t, nil, Config{StuckCommit: 3 * time.Minute})
	ctx := context.Background()

	s := f.stagedAccount(t)
	f.strand(t, s.ID)

	res, err := f.scheduler.Trigger(ctx, admin, ManualRequest{SessionIDs: []string{s.ID}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Cleaned)
	assert.Len(t, res.Errors, 1)

	f.clk.Advance(5 * time.Minute)
	res, err = f.scheduler.Trigger(ctx, admin, ManualRequest{SessionIDs: []string{s.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleaned)
	assert.Empty(t, res.Errors)

	got, err := f.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}
