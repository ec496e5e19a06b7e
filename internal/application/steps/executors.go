package steps

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/session"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

// AcceptAll is the default step validator.
type AcceptAll struct{}

func (AcceptAll) ValidateStep(context.Context, domain.WorkflowType, string, map[string]any) error {
	return nil
}

// Validate applies the external business-rule validator.
type Validate struct {
	validator ports.StepValidator
}

// NewValidate creates the validation executor. A nil validator accepts
// every payload.
func NewValidate(validator ports.StepValidator) *Validate {
	if validator == nil {
		validator = AcceptAll{}
	}
	return &Validate{validator: validator}
}

func (v *Validate) Name() string { return "validate" }

func (v *Validate) Execute(ctx context.Context, sc *StepContext) error {
	if !sc.Definition.AcceptsSteps(sc.Session.Status) {
		return domain.Conflict("session %s does not accept steps in %s", sc.Session.ID, sc.Session.Status)
	}
	if sc.Step.Required && len(sc.Payload) == 0 {
		return domain.Validation("step %s requires data", sc.Step.Name)
	}
	if err := v.validator.ValidateStep(ctx, sc.Session.WorkflowType, sc.Step.Name, sc.Payload); err != nil {
		if domain.CodeOf(err) == domain.CodeInternal {
			return domain.WrapError(domain.CodeValidation, err, "step %s is invalid", sc.Step.Name)
		}
		return err
	}
	return nil
}

// Stage copies the payload into the session.
type Stage struct{}

func (Stage) Name() string { return "stage" }

func (Stage) Execute(ctx context.Context, sc *StepContext) error {
	if sc.Session.Committed {
		return domain.Conflict("session %s is already committed", sc.Session.ID)
	}
	staged := make(map[string]any, len(sc.Payload))
	for k, v := range sc.Payload {
		staged[k] = v
	}
	if sc.Session.Staged == nil {
		sc.Session.Staged = make(map[string]map[string]any)
	}
	sc.Session.Staged[sc.Step.Name] = staged
	return nil
}

// Advance moves the session to the state the step declares, once that
// transition is legal and its requirements are staged.
type Advance struct{}

func (Advance) Name() string { return "advance" }

func (Advance) Execute(ctx context.Context, sc *StepContext) error {
	target := sc.Step.Advances
	if target == "" || sc.Session.Status == target {
		return nil
	}
	if !sc.Definition.CanTransition(sc.Session.Status, target) {
		return nil
	}
	if len(sc.Definition.MissingRequirements(target, sc.Session.Staged)) > 0 {
		return nil
	}
	if err := session.ApplyTransition(sc.Definition, sc.Session, target, sc.Now); err != nil {
		return err
	}
	sc.Advanced = true
	return nil
}

// Notify sends the step's template after the step advanced the session.
// Delivery failures are logged and never fail the step.
type Notify struct {
	sender ports.NotificationSender
	logger *zap.Logger
}

func NewNotify(sender ports.NotificationSender, logger *zap.Logger) *Notify {
	return &Notify{sender: sender, logger: logger}
}

func (n *Notify) Name() string { return "notify" }

func (n *Notify) Execute(ctx context.Context, sc *StepContext) error {
	if !sc.Advanced || sc.Step.Template == "" || n.sender == nil {
		return nil
	}

	to := Recipient(sc.Session)
	if to == "" {
		n.logger.Warn("no recipient for step notification",
			zap.String("session_id", sc.Session.ID),
			zap.String("step", sc.Step.Name))
		return nil
	}

	vars := map[string]any{
		"session_id": sc.Session.ID,
		"workflow":   string(sc.Session.WorkflowType),
		"step":       sc.Step.Name,
		"status":     string(sc.Session.Status),
	}
	if err := n.sender.Send(ctx, to, sc.Step.Template, vars); err != nil {
		n.logger.Warn("failed to send step notification",
			zap.String("session_id", sc.Session.ID),
			zap.String("step", sc.Step.Name),
			zap.String("template", sc.Step.Template),
			zap.Error(err))
	}
	return nil
}

// Recipient finds the address notifications for s go to.
func Recipient(s *domain.Session) string {
	for _, step := range []string{"contact", "order"} {
		if v, ok := s.Staged[step]["email"]; ok {
			return fmt.Sprint(v)
		}
	}
	if v, ok := s.Metadata["email"]; ok {
		return fmt.Sprint(v)
	}
	return ""
}
