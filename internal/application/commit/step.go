package commit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
)

// runStep creates or reuses the entity of one plan step, retrying
// transient registry failures with exponential backoff.
func (c *Coordinator) runStep(ctx context.Context, a *attempt, step workflow.PlanStep) (domain.StepResult, error) {
	result := domain.StepResult{EntityType: step.EntityType, Required: step.Required}

	ctx, span := c.tracer.Start(ctx, "commit.Step", trace.WithAttributes(
		attribute.String("entity_type", step.EntityType),
		attribute.Bool("required", step.Required)))
	defer span.End()

	payload, skip, err := buildPayload(a, step)
	if skip {
		result.Success = true
		result.Skipped = true
		span.SetAttributes(attribute.Bool("skipped", true))
		c.metrics.RecordStepAttempt(step.EntityType, "skipped")
		return result, nil
	}
	if err != nil {
		return c.stepFailed(span, result, err)
	}

	var (
		id     string
		reused bool
	)
	operation := func() error {
		result.Attempts++

		if step.NaturalKey != "" {
			if value, ok := payload[step.NaturalKey]; ok {
				existing, err := c.registry.FindByNaturalKey(ctx, step.EntityType, step.NaturalKey, fmt.Sprint(value))
				if err != nil {
					return classify(err)
				}
				if existing != "" {
					id, reused = existing, true
					return nil
				}
			}
		}

		newID, err := c.registry.CreateEntity(ctx, step.EntityType, payload)
		if err != nil {
			return classify(err)
		}
		if newID == "" {
			return backoff.Permanent(domain.NewError(domain.CodeExternalService, "registry returned no id for %s", step.EntityType))
		}
		id = newID
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.metrics.RecordStepAttempt(step.EntityType, "retry")
		c.logger.Warn("retrying commit step",
			zap.String("session_id", a.session.ID),
			zap.String("entity_type", step.EntityType),
			zap.Int("attempt", result.Attempts),
			zap.Duration("next", next),
			zap.Error(err))
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	if err := backoff.RetryNotifyWithTimer(operation, c.policy(ctx), notify, timer); err != nil {
		return c.stepFailed(span, result, err)
	}

	result.Success = true
	result.EntityID = id
	result.Reused = reused
	a.entityIDs[step.EntityType] = id
	if !reused {
		a.created = append(a.created, created{entityType: step.EntityType, id: id})
	}

	outcome := "created"
	if reused {
		outcome = "reused"
	}
	c.metrics.RecordStepAttempt(step.EntityType, outcome)
	span.SetAttributes(attribute.String("entity_id", id), attribute.Bool("reused", reused))
	c.logger.Debug("commit step succeeded",
		zap.String("session_id", a.session.ID),
		zap.String("entity_type", step.EntityType),
		zap.String("entity_id", id),
		zap.Bool("reused", reused),
		zap.Int("attempts", result.Attempts))

	return result, nil
}

func (c *Coordinator) stepFailed(span trace.Span, result domain.StepResult, err error) (domain.StepResult, error) {
	result.Error = err.Error()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.RecordStepAttempt(result.EntityType, "failed")
	return result, err
}

// policy is InitialDelay × Multiplier^n for retry n, at most
// MaxRetryAttempts retries.
func (c *Coordinator) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialDelay
	b.Multiplier = c.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	retries := c.cfg.MaxRetryAttempts
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// classify stops retries for errors a second call cannot fix.
func classify(err error) error {
	if domain.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// buildPayload copies the staged source data and adds the ids of the
// entities the step depends on. Optional steps with nothing staged are
// skipped, and so are missing optional dependencies.
func buildPayload(a *attempt, step workflow.PlanStep) (map[string]any, bool, error) {
	source, ok := a.session.Staged[step.Source]
	if !ok {
		if !step.Required {
			return nil, true, nil
		}
		return nil, false, domain.Validation("step %s has no staged data for %s", step.EntityType, step.Source)
	}

	payload := make(map[string]any, len(source)+len(step.DependsOn)+1)
	for k, v := range source {
		payload[k] = v
	}
	for _, dep := range step.DependsOn {
		id, ok := a.entityIDs[dep]
		if !ok {
			if !isRequired(a.def, dep) {
				continue
			}
			return nil, false, domain.Validation("step %s depends on %s which was not created", step.EntityType, dep)
		}
		payload[dep+"_id"] = id
	}
	payload["session_id"] = a.session.ID
	return payload, false, nil
}

func isRequired(def *workflow.Definition, entityType string) bool {
	for _, p := range def.Plan {
		if p.EntityType == entityType {
			return p.Required
		}
	}
	return false
}
