package scheduler

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
)

// Action is what a rule does to a matching session.
type Action string

const (
	ActionRemind   Action = "remind"
	ActionEscalate Action = "escalate"
	ActionExpire   Action = "expire"
	// ActionRecover fails sessions left committing by a commit that never
	// finished.
	ActionRecover Action = "recover"
)

// Age selects the timestamp a rule measures from.
type Age string

const (
	AgeUpdated    Age = "updated"
	AgeCreated    Age = "created"
	AgeTransition Age = "transition"
)

// Rule selects stuck sessions and acts on them.
type Rule struct {
	Name     string              `yaml:"name"`
	Workflow domain.WorkflowType `yaml:"workflow,omitempty"`
	// Status limits the rule to one state. Empty matches every pending
	// state except the committing one. Recover rules only ever match the
	// committing state.
	Status       domain.Status `yaml:"status,omitempty"`
	Age          Age           `yaml:"age,omitempty"`
	OlderThan    time.Duration `yaml:"older_than"`
	Action       Action        `yaml:"action"`
	MaxReminders int           `yaml:"max_reminders,omitempty"`
	Template     string        `yaml:"template,omitempty"`
}

// Validate checks that the rule is complete.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.OlderThan <= 0 {
		return fmt.Errorf("rule %s: older_than must be positive", r.Name)
	}
	switch r.Age {
	case "", AgeUpdated, AgeCreated, AgeTransition:
	default:
		return fmt.Errorf("rule %s: unknown age %q", r.Name, r.Age)
	}
	switch r.Action {
	case ActionRemind:
		if r.Template == "" || r.MaxReminders <= 0 {
			return fmt.Errorf("rule %s: remind needs a template and max_reminders", r.Name)
		}
	case ActionEscalate:
		if r.Template == "" {
			return fmt.Errorf("rule %s: escalate needs a template", r.Name)
		}
	case ActionExpire:
	case ActionRecover:
		if r.Status != "" {
			return fmt.Errorf("rule %s: recover applies to the committing state only", r.Name)
		}
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.Name, r.Action)
	}
	return nil
}

// Matches reports whether s is stuck according to the rule at now.
func (r Rule) Matches(def *workflow.Definition, s *domain.Session, now time.Time) bool {
	if r.Workflow != "" && s.WorkflowType != r.Workflow {
		return false
	}
	switch {
	case r.Action == ActionRecover:
		if s.Status != def.CommittingState {
			return false
		}
	case r.Status != "":
		if s.Status != r.Status {
			return false
		}
	case def.Classify(s.Status) != workflow.ClassPending || s.Status == def.CommittingState:
		return false
	}

	var since time.Time
	switch r.Age {
	case AgeCreated:
		since = s.CreatedAt
	case AgeTransition:
		since = s.LastTransitionAt
	default:
		since = s.UpdatedAt
	}
	return now.Sub(since) >= r.OlderThan
}

// Job is one periodic scheduler task.
type Job struct {
	Name     string
	Interval time.Duration
	Rules    []Rule
	// Retries makes the job process due commit retries instead of rules.
	Retries bool
}

// DefaultStuckCommit is used when no stuck commit threshold is set.
const DefaultStuckCommit = 10 * time.Minute

// Intervals sets how often the default jobs run.
type Intervals struct {
	Reminders   time.Duration
	Escalations time.Duration
	Expiry      time.Duration
	Retries     time.Duration
	Recovery    time.Duration
	// StuckCommit is how long a session may stay committing before the
	// recovery job fails it.
	StuckCommit time.Duration
}

// DefaultJobs returns the stock jobs: reminders for unverified emails,
// escalation of stalled approvals, expiry of week-old sessions, recovery
// of interrupted commits and the commit retry queue.
func DefaultJobs(iv Intervals) []Job {
	stuck := iv.StuckCommit
	if stuck <= 0 {
		stuck = DefaultStuckCommit
	}
	return []Job{
		{
			Name:     "reminders",
			Interval: iv.Reminders,
			Rules: []Rule{{
				Name:         "email-verification-reminder",
				Status:       workflow.StatusEmailVerificationPending,
				Age:          AgeUpdated,
				OlderThan:    4 * time.Hour,
				Action:       ActionRemind,
				MaxReminders: 3,
				Template:     "email_verification_reminder",
			}},
		},
		{
			Name:     "escalations",
			Interval: iv.Escalations,
			Rules: []Rule{{
				Name:      "approval-escalation",
				Status:    workflow.StatusApprovalPending,
				Age:       AgeTransition,
				OlderThan: 48 * time.Hour,
				Action:    ActionEscalate,
				Template:  "approval_escalation",
			}},
		},
		{
			Name:     "expiry",
			Interval: iv.Expiry,
			Rules: []Rule{{
				Name:      "stale-session-expiry",
				Age:       AgeCreated,
				OlderThan: 7 * 24 * time.Hour,
				Action:    ActionExpire,
			}},
		},
		{
			Name:     "recovery",
			Interval: iv.Recovery,
			Rules: []Rule{{
				Name:      "interrupted-commit",
				Age:       AgeTransition,
				OlderThan: stuck,
				Action:    ActionRecover,
			}},
		},
		{
			Name:     "retries",
			Interval: iv.Retries,
			Retries:  true,
		},
	}
}

// ruleFile is the YAML layout of a rules override file.
type ruleFile struct {
	Jobs map[string]struct {
		Interval time.Duration `yaml:"interval"`
		Rules    []Rule        `yaml:"rules"`
	} `yaml:"jobs"`
}

// LoadJobs overrides the rules and intervals of jobs from a YAML file.
// Jobs the file does not name keep their settings; unknown job names
// are added as rule jobs.
func LoadJobs(path string, jobs []Job) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseJobs(data, jobs)
}

// ParseJobs applies a YAML rules document to jobs.
func ParseJobs(data []byte, jobs []Job) ([]Job, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	out := append([]Job(nil), jobs...)
	index := make(map[string]int, len(out))
	for i, j := range out {
		index[j.Name] = i
	}

	names := make([]string, 0, len(file.Jobs))
	for name := range file.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := file.Jobs[name]
		for _, r := range spec.Rules {
			if err := r.Validate(); err != nil {
				return nil, fmt.Errorf("job %s: %w", name, err)
			}
		}

		i, ok := index[name]
		if !ok {
			if spec.Interval <= 0 {
				return nil, fmt.Errorf("job %s: interval is required", name)
			}
			out = append(out, Job{Name: name, Interval: spec.Interval, Rules: spec.Rules})
			index[name] = len(out) - 1
			continue
		}
		if spec.Interval > 0 {
			out[i].Interval = spec.Interval
		}
		if spec.Rules != nil && !out[i].Retries {
			out[i].Rules = spec.Rules
		}
	}
	return out, nil
}
