package chains

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/orchestrator"
	"github.com/aescanero/regorch/pkg/adapters/events/memory"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
	"github.com/aescanero/regorch/pkg/ports"
)

// AcceptAllItems is an insurance validator that accepts every order.
type AcceptAllItems struct{}

func (AcceptAllItems) ValidateItems(context.Context, string, map[string]any) error { return nil }

// Insurance chains the order-insurance workflow through events:
// order.created validates the insured items, insurance.validated commits
// the insurance records, and entities_created removes the finished session.
type Insurance struct {
	engine    *orchestrator.Engine
	validator ports.InsuranceValidator
	logger    *zap.Logger

	ids []memory.SubscriptionID
}

// NewInsurance creates the insurance chain. A nil validator accepts every
// order.
func NewInsurance(engine *orchestrator.Engine, validator ports.InsuranceValidator, logger *zap.Logger) *Insurance {
	if validator == nil {
		validator = AcceptAllItems{}
	}
	return &Insurance{engine: engine, validator: validator, logger: logger}
}

// Register attaches the chain's handlers to bus.
func (c *Insurance) Register(bus *memory.Bus) {
	c.ids = append(c.ids,
		bus.On(domain.EventOrderCreated, c.validateItems),
		bus.On(domain.EventInsuranceValidated, c.createRecords),
		bus.On(domain.EventEntitiesCreated, c.cleanup),
	)
}

// Unregister detaches the chain from bus.
func (c *Insurance) Unregister(bus *memory.Bus) {
	for _, id := range c.ids {
		bus.Off(id)
	}
	c.ids = nil
}

func (c *Insurance) validateItems(ctx context.Context, e domain.Event) error {
	if e.WorkflowType != domain.WorkflowOrderInsurance {
		return nil
	}
	scope := e.Scope()

	s, err := c.engine.TransitionSystem(ctx, scope, e.SessionID, workflow.StatusInsuranceValidating)
	if err != nil {
		return fmt.Errorf("failed to start insurance validation: %w", err)
	}

	err = c.validator.ValidateItems(ctx, s.OrganizationID, s.Staged["insurance_items"])
	if err != nil && domain.IsRetryable(err) {
		return fmt.Errorf("insurance validation unavailable: %w", err)
	}
	if err != nil {
		c.logger.Info("insurance items rejected",
			zap.String("session_id", s.ID),
			zap.Error(err))
		s, terr := c.engine.TransitionSystem(ctx, scope, s.ID, domain.StatusRejected)
		if terr != nil {
			return fmt.Errorf("failed to reject session: %w", terr)
		}
		c.engine.Emit(ctx, domain.EventInsuranceInvalid, s, map[string]any{"error": err.Error()})
		return nil
	}

	s, err = c.engine.TransitionSystem(ctx, scope, s.ID, workflow.StatusInsuranceValidated)
	if err != nil {
		return fmt.Errorf("failed to mark insurance validated: %w", err)
	}
	c.engine.Emit(ctx, domain.EventInsuranceValidated, s, nil)
	return nil
}

func (c *Insurance) createRecords(ctx context.Context, e domain.Event) error {
	result, err := c.engine.Commit(ctx, e.Scope(), e.SessionID)
	if err != nil {
		return fmt.Errorf("failed to commit insurance records: %w", err)
	}
	if !result.Success {
		c.logger.Warn("insurance records not created",
			zap.String("session_id", e.SessionID),
			zap.String("entity_type", result.FailedStep),
			zap.Bool("compensated", result.Compensated))
	}
	return nil
}

func (c *Insurance) cleanup(ctx context.Context, e domain.Event) error {
	if e.WorkflowType != domain.WorkflowOrderInsurance {
		return nil
	}
	s := &domain.Session{ID: e.SessionID, WorkflowType: e.WorkflowType, OrganizationID: e.OrganizationID}
	if err := c.engine.Purge(ctx, s); err != nil {
		return fmt.Errorf("failed to clean up session: %w", err)
	}
	c.logger.Info("insurance session cleaned up", zap.String("session_id", e.SessionID))
	return nil
}
