package steps

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
)

// StepContext carries one AddStepData call through the executors.
type StepContext struct {
	Session    *domain.Session
	Definition *workflow.Definition
	Step       workflow.StepSpec
	Payload    map[string]any
	Now        time.Time

	// From is the status before the step ran.
	From domain.Status
	// Advanced is set when the step moved the session to Step.Advances.
	Advanced bool
}

// Executor is one stage of step processing.
type Executor interface {
	Name() string
	Execute(ctx context.Context, sc *StepContext) error
}

// Pipeline runs executors in order and stops at the first error.
type Pipeline struct {
	executors []Executor
	logger    *zap.Logger
}

// NewPipeline creates a pipeline of executors.
func NewPipeline(logger *zap.Logger, executors ...Executor) *Pipeline {
	return &Pipeline{executors: executors, logger: logger}
}

// Run executes every executor against sc.
func (p *Pipeline) Run(ctx context.Context, sc *StepContext) error {
	for _, ex := range p.executors {
		if err := ex.Execute(ctx, sc); err != nil {
			p.logger.Debug("step executor rejected step",
				zap.String("executor", ex.Name()),
				zap.String("session_id", sc.Session.ID),
				zap.String("step", sc.Step.Name),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// Names lists the executors in run order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.executors))
	for i, ex := range p.executors {
		names[i] = ex.Name()
	}
	return names
}
