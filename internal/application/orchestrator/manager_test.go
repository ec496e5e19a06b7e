package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/commit"
	"github.com/aescanero/regorch/internal/application/session"
	"github.com/aescanero/regorch/internal/application/workers"
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
)

var (
	epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	scope = domain.Scope{OrganizationID: "org-1", ActorID: "u-1"}
	user  = domain.Actor{ID: "u-1", OrganizationID: "org-1"}
	admin = domain.Actor{ID: "ops-1", OrganizationID: "org-1", Roles: []string{"admin"}}
)

type harness struct {
	clk      *clock.Fake
	locks    *lock.LockManager
	registry *registry.Registry
	sender   *notify.Recorder
	bus      *events.Bus
	engine   *Engine
}

func newHarness(t *testing.T, pool *workers.Pool) *harness {
	t.Helper()

	h := &harness{
		clk:      clock.NewFake(epoch),
		registry: registry.NewRegistry(),
		sender:   notify.NewRecorder(),
	}
	h.locks = lock.NewLockManager(h.clk)
	h.bus = events.NewBus(h.clk, zap.NewNop())

	store := memory.NewSessionStore(h.clk)
	sessions := session.NewManager(store, workflow.Builtin(), h.clk, noop.Collector{}, zap.NewNop(), session.Config{
		SuccessGrace:     5 * time.Minute,
		FailureRetention: 24 * time.Hour,
	})
	coord := commit.NewCoordinator(sessions, h.registry, store, nil, h.bus, noop.Collector{}, zap.NewNop(), commit.DefaultConfig())
	h.engine = NewEngine(sessions, h.locks, coord, h.bus, pool, nil, h.sender, noop.Collector{}, zap.NewNop(), Config{LockTTL: 30 * time.Second}).
		WithPrivilege(jwt.NewRoleChecker("admin"))
	return h
}

func (h *harness) stagedAccount(t *testing.T) *domain.Session {
	t.Helper()
	ctx := context.Background()

	s, err := h.engine.CreateSession(ctx, scope, session.CreateRequest{WorkflowType: domain.WorkflowAccount})
	require.NoError(t, err)

	s, err = h.engine.AddStepData(ctx, scope, s.ID, "contact", map[string]any{"email": "ada@example.com"})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusEmailVerificationPending, s.Status)

	_, err = h.engine.Transition(ctx, user, s.ID, workflow.StatusEmailVerified)
	require.NoError(t, err)

	s, err = h.engine.AddStepData(ctx, scope, s.ID, "profile", map[string]any{"first_name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusDataStaged, s.Status)
	return s
}

func TestAccountCommitCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.stagedAccount(t)

	result, err := h.engine.Commit(ctx, scope, s.ID)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Len(t, result.EntityIDs, 2)
	assert.Equal(t, 1, h.registry.Count("contact"))
	assert.Equal(t, 1, h.registry.Count("account"))

	got, err := h.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Len(t, got.EntityIDs, 2)

	p, err := h.engine.GetProgress(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percentage)
	assert.False(t, p.CanCommit)

	// Completed sessions are kept only for the success grace period.
	h.clk.Advance(5 * time.Minute)
	_, err = h.engine.GetSession(ctx, scope, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.False(t, locked(t, h, s.ID))
}

func TestAccountCommitRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registry.FailCreate("account", domain.Validation("account rejected by registry"), -1)
	s := h.stagedAccount(t)

	result, err := h.engine.Commit(ctx, scope, s.ID)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "account", result.FailedStep)
	assert.True(t, result.Compensated)
	assert.Equal(t, 0, h.registry.Total())

	got, err := h.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Len(t, got.Errors, 1)
	assert.Empty(t, got.EntityIDs)
}

func TestStepNotificationsAndEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var types []domain.EventType
	h.bus.OnAny(func(_ context.Context, e domain.Event) error {
		types = append(types, e.Type)
		return nil
	})

	s, err := h.engine.CreateSession(ctx, scope, session.CreateRequest{WorkflowType: domain.WorkflowAccount})
	require.NoError(t, err)
	_, err = h.engine.AddStepData(ctx, scope, s.ID, "preferences", map[string]any{"newsletter": true})
	require.NoError(t, err)
	_, err = h.engine.AddStepData(ctx, scope, s.ID, "contact", map[string]any{"email": "ada@example.com"})
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventSessionCreated,
		domain.EventStepAdded,
		domain.EventStepAdded,
		domain.EventSessionTransitioned,
		domain.EventVerificationRequested,
	}, types)
	assert.Equal(t, []string{"email_verification"}, h.sender.Templates())
}

func TestAddStepDataRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.engine.CreateSession(ctx, scope, session.CreateRequest{WorkflowType: domain.WorkflowProduct})
	require.NoError(t, err)

	_, err = h.engine.AddStepData(ctx, scope, s.ID, "warranty", map[string]any{"years": 2})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.engine.AddStepData(ctx, scope, s.ID, "product", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.engine.AddStepData(ctx, domain.Scope{OrganizationID: "org-2"}, s.ID, "product", map[string]any{"sku": "X"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, ok, err := h.locks.Acquire(ctx, s.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.engine.AddStepData(ctx, scope, s.ID, "product", map[string]any{"sku": "X"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	// An abandoned lock expires.
	h.clk.Advance(time.Minute)
	_, err = h.engine.AddStepData(ctx, scope, s.ID, "product", map[string]any{"sku": "X"})
	assert.NoError(t, err)
}

func TestTransitionRules(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.engine.CreateSession(ctx, scope, session.CreateRequest{WorkflowType: domain.WorkflowProduct})
	require.NoError(t, err)

	_, err = h.engine.Transition(ctx, user, s.ID, domain.StatusCompleted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.engine.Transition(ctx, user, s.ID, domain.StatusDataStaged)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.engine.Commit(ctx, scope, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	s, err = h.engine.Transition(ctx, user, s.ID, domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, s.Status)

	_, err = h.engine.AddStepData(ctx, scope, s.ID, "media", map[string]any{"url": "x"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCallersCannotDriveCommitStates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.stagedAccount(t)

	for _, to := range []domain.Status{domain.StatusCommitting, domain.StatusCompleted, domain.StatusExpired} {
		_, err := h.engine.Transition(ctx, admin, s.ID, to)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "entering %s", to)
	}
	got, err := h.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDataStaged, got.Status)
	assert.Zero(t, h.registry.Total())

	// A session left in the committing state cannot be finished by hand.
	_, err = h.engine.TransitionSystem(ctx, scope, s.ID, domain.StatusCommitting)
	require.NoError(t, err)
	for _, to := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		_, err = h.engine.Transition(ctx, user, s.ID, to)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "leaving committing for %s", to)
	}
	got, err = h.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitting, got.Status)
	assert.False(t, got.Committed)
	assert.False(t, locked(t, h, s.ID))
}

func TestCallersCannotSkipInsuranceValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.engine.CreateSession(ctx, scope, session.CreateRequest{WorkflowType: domain.WorkflowOrderInsurance})
	require.NoError(t, err)
	_, err = h.engine.AddStepData(ctx, scope, s.ID, "order", map[string]any{"order_reference": "o-1"})
	require.NoError(t, err)
	s, err = h.engine.AddStepData(ctx, scope, s.ID, "insurance_items", map[string]any{"items": []any{"i-1"}})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusOrderStaged, s.Status)

	_, err = h.engine.Transition(ctx, user, s.ID, workflow.StatusInsuranceValidating)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.engine.TransitionSystem(ctx, scope, s.ID, workflow.StatusInsuranceValidating)
	require.NoError(t, err)
	_, err = h.engine.Transition(ctx, user, s.ID, workflow.StatusInsuranceValidated)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMembershipFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.engine.CreateSession(ctx, scope, session.CreateRequest{
		WorkflowType: domain.WorkflowMembership,
		Metadata:     map[string]any{"email": "grace@example.com"},
	})
	require.NoError(t, err)

	for _, step := range []string{"category", "employment", "practices"} {
		s, err = h.engine.AddStepData(ctx, scope, s.ID, step, map[string]any{"value": step})
		require.NoError(t, err)
	}
	require.Equal(t, domain.StatusDataStaged, s.Status)

	_, err = h.engine.Transition(ctx, user, s.ID, workflow.StatusPaymentPending)
	require.NoError(t, err)
	s, err = h.engine.AddStepData(ctx, scope, s.ID, "payment", map[string]any{"reference": "pay-1"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApprovalPending, s.Status)
	assert.Equal(t, []string{"membership_payment_received"}, h.sender.Templates())

	_, err = h.engine.Transition(ctx, user, s.ID, workflow.StatusApproved)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	_, err = h.engine.Transition(ctx, admin, s.ID, workflow.StatusApproved)
	require.NoError(t, err)

	result, err := h.engine.Commit(ctx, scope, s.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, result.EntityIDs, 4)
	assert.NotContains(t, result.EntityIDs, "preferences")

	activation, ok := h.registry.Get("activation", result.EntityIDs["activation"])
	require.True(t, ok)
	assert.Equal(t, result.EntityIDs["category"], activation["category_id"])
	assert.Equal(t, "pay-1", activation["reference"])
}

func TestSessionExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.engine.CreateSession(ctx, scope, session.CreateRequest{WorkflowType: domain.WorkflowAccount})
	require.NoError(t, err)

	h.clk.Advance(23 * time.Hour)
	_, err = h.engine.Touch(ctx, scope, s.ID, 0)
	require.NoError(t, err)

	h.clk.Advance(23 * time.Hour)
	_, err = h.engine.GetSession(ctx, scope, s.ID)
	require.NoError(t, err)

	h.clk.Advance(time.Hour)
	_, err = h.engine.GetSession(ctx, scope, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.engine.AddStepData(ctx, scope, s.ID, "contact", map[string]any{"email": "x@example.com"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.engine.CreateSession(ctx, scope, session.CreateRequest{WorkflowType: domain.WorkflowProduct})
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.DeleteSession(ctx, domain.Scope{OrganizationID: "org-2"}, s.ID), domain.ErrNotFound)
	require.NoError(t, h.engine.DeleteSession(ctx, scope, s.ID))

	_, err = h.engine.GetSession(ctx, scope, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.engine.GetProgress(ctx, scope, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCommitAsync(t *testing.T) {
	pool := workers.NewPool(2, 4, noop.Collector{}, zap.NewNop(), time.Hour)
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	h := newHarness(t, pool)
	ctx := context.Background()
	s := h.stagedAccount(t)

	require.NoError(t, h.engine.CommitAsync(ctx, scope, s.ID))

	require.Eventually(t, func() bool {
		got, err := h.engine.GetSession(ctx, scope, s.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	err := h.engine.CommitAsync(ctx, scope, s.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCommitAsyncWithoutPool(t *testing.T) {
	h := newHarness(t, nil)
	s := h.stagedAccount(t)
	assert.ErrorIs(t, h.engine.CommitAsync(context.Background(), scope, s.ID), domain.ErrInternal)
}

func locked(t *testing.T, h *harness, id string) bool {
	t.Helper()
	held, err := h.locks.IsLocked(context.Background(), id)
	require.NoError(t, err)
	return held
}
