package workflow

import (
	"fmt"
	"time"

	"github.com/aescanero/regorch/pkg/domain"
)

// Class groups states by outcome.
type Class string

const (
	ClassPending Class = "pending"
	ClassSuccess Class = "success"
	ClassError   Class = "error"
)

// StepSpec declares a step callers stage data for.
type StepSpec struct {
	Name     string
	Required bool
	// Advances is the state the session moves to once this step is staged,
	// when that transition is legal and its requirements are met.
	Advances domain.Status
	// Emits is raised after the step caused an advance.
	Emits domain.EventType
	// Template is the notification sent after the step caused an advance.
	Template string
}

// PlanStep is one entity-creation step of the commit plan.
type PlanStep struct {
	EntityType string
	Required   bool
	// Source is the staged step whose payload is sent to the registry.
	Source string
	// DependsOn lists earlier entity types whose ids are passed as <type>_id.
	DependsOn []string
	// NaturalKey names the payload field used for create-or-reuse lookups.
	NaturalKey string
}

// Definition is the state machine and commit plan of one workflow type.
type Definition struct {
	Type        domain.WorkflowType
	Initial     domain.Status
	States      map[domain.Status]Class
	Transitions map[domain.Status][]domain.Status
	// Requires lists the steps that must be staged before entering a state.
	Requires map[domain.Status][]string

	ReadyState      domain.Status
	CommittingState domain.Status
	SuccessState    domain.Status
	FailureState    domain.Status

	// SystemOnly lists states only the engine's own handlers may enter,
	// in addition to the committing, success and failure states.
	SystemOnly []domain.Status
	// Elevated lists states a caller may only enter with an elevated role.
	Elevated []domain.Status

	TTL   time.Duration
	Steps []StepSpec
	Plan  []PlanStep
}

// CanTransition reports whether to is in the transition set of from.
func (d *Definition) CanTransition(from, to domain.Status) bool {
	for _, next := range d.Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates returns the legal targets of from.
func (d *Definition) NextStates(from domain.Status) []domain.Status {
	next := d.Transitions[from]
	out := make([]domain.Status, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether s is absorbing.
func (d *Definition) IsTerminal(s domain.Status) bool {
	_, known := d.States[s]
	return known && len(d.Transitions[s]) == 0
}

// Classify returns the outcome class of s.
func (d *Definition) Classify(s domain.Status) Class {
	return d.States[s]
}

// IsState reports whether s belongs to the workflow's state set.
func (d *Definition) IsState(s domain.Status) bool {
	_, ok := d.States[s]
	return ok
}

// Validate returns an InvalidTransition error unless from -> to is legal.
func (d *Definition) Validate(from, to domain.Status) error {
	if !d.IsState(from) || !d.IsState(to) || !d.CanTransition(from, to) {
		return domain.InvalidTransition(d.Type, from, to)
	}
	return nil
}

// IsSystemOnly reports whether callers are barred from entering s.
func (d *Definition) IsSystemOnly(s domain.Status) bool {
	if s == d.CommittingState || s == d.SuccessState || s == d.FailureState {
		return true
	}
	return contains(d.SystemOnly, s)
}

// RequiresElevation reports whether entering s needs an elevated role.
func (d *Definition) RequiresElevation(s domain.Status) bool {
	return contains(d.Elevated, s)
}

// ValidateCaller is Validate for transitions requested by a caller rather
// than by the engine: commit states and system-only states are refused,
// and nothing may leave the committing state.
func (d *Definition) ValidateCaller(from, to domain.Status) error {
	if err := d.Validate(from, to); err != nil {
		return err
	}
	if from == d.CommittingState || d.IsSystemOnly(to) {
		e := domain.InvalidTransition(d.Type, from, to)
		e.Metadata["reason"] = "system_only"
		return e
	}
	return nil
}

func contains(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Step looks up a step by name.
func (d *Definition) Step(name string) (StepSpec, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepSpec{}, false
}

// RequiredSteps returns the names of the required steps in order.
func (d *Definition) RequiredSteps() []string {
	var out []string
	for _, s := range d.Steps {
		if s.Required {
			out = append(out, s.Name)
		}
	}
	return out
}

// OptionalSteps returns the names of the optional steps in order.
func (d *Definition) OptionalSteps() []string {
	var out []string
	for _, s := range d.Steps {
		if !s.Required {
			out = append(out, s.Name)
		}
	}
	return out
}

// AcceptsSteps reports whether step data may be staged while in s.
func (d *Definition) AcceptsSteps(s domain.Status) bool {
	return d.Classify(s) == ClassPending && s != d.CommittingState
}

// MissingRequirements lists the steps still unstaged for entering target.
func (d *Definition) MissingRequirements(target domain.Status, staged map[string]map[string]any) []string {
	var missing []string
	for _, name := range d.Requires[target] {
		if _, ok := staged[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Check verifies the definition is internally consistent.
func (d *Definition) Check() error {
	if d.Type == "" {
		return fmt.Errorf("workflow type is required")
	}
	if len(d.States) == 0 {
		return fmt.Errorf("workflow %s must have at least one state", d.Type)
	}
	if !d.IsState(d.Initial) {
		return fmt.Errorf("initial state %s not found in workflow %s", d.Initial, d.Type)
	}

	for from, targets := range d.Transitions {
		if !d.IsState(from) {
			return fmt.Errorf("transition references non-existent source state: %s", from)
		}
		for _, to := range targets {
			if !d.IsState(to) {
				return fmt.Errorf("transition references non-existent target state: %s", to)
			}
		}
	}
	for s, class := range d.States {
		switch class {
		case ClassPending, ClassSuccess, ClassError:
		default:
			return fmt.Errorf("state %s has unknown class %q", s, class)
		}
		if class == ClassPending && d.IsTerminal(s) {
			return fmt.Errorf("pending state %s has no outgoing transitions", s)
		}
		if class == ClassSuccess && !d.IsTerminal(s) {
			return fmt.Errorf("success state %s must be absorbing", s)
		}
	}

	for _, s := range append(append([]domain.Status{}, d.SystemOnly...), d.Elevated...) {
		if !d.IsState(s) {
			return fmt.Errorf("restricted state %q not found in workflow %s", s, d.Type)
		}
	}
	for _, s := range []domain.Status{d.ReadyState, d.CommittingState, d.SuccessState, d.FailureState} {
		if !d.IsState(s) {
			return fmt.Errorf("commit state %q not found in workflow %s", s, d.Type)
		}
	}
	if !d.CanTransition(d.ReadyState, d.CommittingState) {
		return fmt.Errorf("ready state %s must transition to %s", d.ReadyState, d.CommittingState)
	}
	if !d.CanTransition(d.CommittingState, d.SuccessState) || !d.CanTransition(d.CommittingState, d.FailureState) {
		return fmt.Errorf("committing state %s must transition to %s and %s", d.CommittingState, d.SuccessState, d.FailureState)
	}
	if next := d.Transitions[d.FailureState]; len(next) > 1 || (len(next) == 1 && next[0] != d.ReadyState) {
		return fmt.Errorf("failure state %s may only re-enter %s", d.FailureState, d.ReadyState)
	}

	steps := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("step name is required")
		}
		if steps[s.Name] {
			return fmt.Errorf("duplicate step: %s", s.Name)
		}
		steps[s.Name] = true
		if s.Advances != "" && !d.IsState(s.Advances) {
			return fmt.Errorf("step %s advances to unknown state %s", s.Name, s.Advances)
		}
	}
	for target, names := range d.Requires {
		if !d.IsState(target) {
			return fmt.Errorf("requirement references unknown state %s", target)
		}
		for _, n := range names {
			if !steps[n] {
				return fmt.Errorf("state %s requires unknown step %s", target, n)
			}
		}
	}

	if len(d.Plan) == 0 {
		return fmt.Errorf("workflow %s must have a commit plan", d.Type)
	}
	created := make(map[string]bool, len(d.Plan))
	for _, p := range d.Plan {
		if p.EntityType == "" {
			return fmt.Errorf("plan step entity type is required")
		}
		if created[p.EntityType] {
			return fmt.Errorf("duplicate plan entity type: %s", p.EntityType)
		}
		if !steps[p.Source] {
			return fmt.Errorf("plan step %s reads unknown step %s", p.EntityType, p.Source)
		}
		for _, dep := range p.DependsOn {
			if !created[dep] {
				return fmt.Errorf("plan step %s depends on %s which is not created before it", p.EntityType, dep)
			}
		}
		created[p.EntityType] = true
	}

	return nil
}
