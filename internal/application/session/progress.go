package session

import (
	"time"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
)

// ComputeProgress derives the progress projection of s.
func ComputeProgress(def *workflow.Definition, s *domain.Session, now time.Time) *domain.Progress {
	p := &domain.Progress{
		SessionID: s.ID,
		Status:    s.Status,
		Steps:     make(map[string]bool, len(def.Steps)),
		Errors:    make([]string, 0, len(s.Errors)),
		UpdatedAt: now,
	}

	done := 0
	for _, step := range def.Steps {
		_, staged := s.Staged[step.Name]
		p.Steps[step.Name] = staged
		if staged {
			done++
		}
	}
	switch {
	case s.Committed || def.Classify(s.Status) == workflow.ClassSuccess:
		p.Percentage = 100
	case len(def.Steps) > 0:
		p.Percentage = done * 100 / len(def.Steps)
	}

	for _, e := range s.Errors {
		p.Errors = append(p.Errors, e.Message)
	}

	p.CanCommit = CanCommit(def, s)
	return p
}

// CanCommit reports whether a commit may start from the session's state.
func CanCommit(def *workflow.Definition, s *domain.Session) bool {
	if s.Committed || s.Status != def.ReadyState {
		return false
	}
	for _, name := range def.RequiredSteps() {
		if _, ok := s.Staged[name]; !ok {
			return false
		}
	}
	return true
}
