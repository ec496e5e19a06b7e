package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/domain/workflow"
	"github.com/aescanero/regorch/pkg/ports"
)

// ManualRequest selects the sessions an operator wants cleaned up. At
// least one filter must be set.
type ManualRequest struct {
	SessionIDs []string            `json:"session_ids,omitempty"`
	Statuses   []domain.Status     `json:"statuses,omitempty"`
	Workflow   domain.WorkflowType `json:"workflow,omitempty"`
	// OlderThan keeps only sessions idle for at least this long.
	OlderThan time.Duration `json:"older_than,omitempty"`
}

func (r ManualRequest) empty() bool {
	return len(r.SessionIDs) == 0 && len(r.Statuses) == 0 && r.Workflow == "" && r.OlderThan <= 0
}

// ManualResult reports a manual cleanup.
type ManualResult struct {
	Cleaned int      `json:"cleaned"`
	Errors  []string `json:"errors"`
}

// Trigger cleans up the actor's sessions matching req. Sessions still in
// progress are expired, finished ones are deleted, and commits that have
// been stuck for longer than the configured threshold are failed.
func (s *Scheduler) Trigger(ctx context.Context, actor domain.Actor, req ManualRequest) (*ManualResult, error) {
	if !s.CanOperate(actor) {
		return nil, domain.PermissionDenied("actor %s may not trigger cleanup", actor.ID)
	}
	if req.empty() {
		return nil, domain.Validation("at least one filter is required")
	}
	if actor.OrganizationID == "" {
		return nil, domain.Validation("actor has no organization")
	}

	filter := ports.SessionFilter{
		WorkflowType:   req.Workflow,
		Statuses:       req.Statuses,
		OrganizationID: actor.OrganizationID,
		SessionIDs:     req.SessionIDs,
	}
	list, err := s.sessions.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := s.sessions.Now()
	res := &ManualResult{Errors: []string{}}
	for _, sess := range list {
		if req.OlderThan > 0 && now.Sub(sess.UpdatedAt) < req.OlderThan {
			continue
		}
		if err := s.cleanup(ctx, actor.Scope(), sess); err != nil {
			res.Errors = append(res.Errors, sess.ID+": "+err.Error())
			continue
		}
		res.Cleaned++
	}

	s.logger.Info("manual cleanup finished",
		zap.String("actor_id", actor.ID),
		zap.String("organization_id", actor.OrganizationID),
		zap.Int("matched", len(list)),
		zap.Int("cleaned", res.Cleaned),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// CanOperate reports whether actor may run operator actions.
func (s *Scheduler) CanOperate(actor domain.Actor) bool {
	return s.privilege != nil && s.privilege.HasElevatedRole(actor)
}

func (s *Scheduler) cleanup(ctx context.Context, scope domain.Scope, sess *domain.Session) error {
	def, err := s.sessions.Definition(sess.WorkflowType)
	if err != nil {
		return err
	}
	switch {
	case def.IsTerminal(sess.Status):
		return s.engine.DeleteSession(ctx, scope, sess.ID)
	case sess.Status == def.CommittingState:
		return s.recoverCommit(ctx, func(sess *domain.Session, _ *workflow.Definition) bool {
			return s.sessions.Now().Sub(sess.LastTransitionAt) >= s.cfg.StuckCommit
		}, sess.ID)
	case def.CanTransition(sess.Status, domain.StatusExpired):
		return s.expire(ctx, sess.ID)
	default:
		return s.engine.DeleteSession(ctx, scope, sess.ID)
	}
}
