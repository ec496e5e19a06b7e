package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/scheduler"
	"github.com/aescanero/regorch/internal/application/session"
	"github.com/aescanero/regorch/pkg/domain"
)

// CreateSessionRequest represents a session creation request
type CreateSessionRequest struct {
	// SessionID is optional; an id is generated when it is empty.
	SessionID    string              `json:"session_id"`
	WorkflowType domain.WorkflowType `json:"workflow_type" binding:"required"`
	Metadata     map[string]any      `json:"metadata"`
	TTLSeconds   int                 `json:"ttl_seconds"`
}

// TransitionRequest represents a status change request
type TransitionRequest struct {
	Status domain.Status `json:"status" binding:"required"`
}

// TouchRequest represents a TTL renewal request
type TouchRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// TriggerRequest represents a manual cleanup request
type TriggerRequest struct {
	SessionIDs []string            `json:"session_ids"`
	Statuses   []domain.Status     `json:"statuses"`
	Workflow   domain.WorkflowType `json:"workflow"`
	// OlderThan is a Go duration such as "48h".
	OlderThan string `json:"older_than"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeError renders err with the status of its code.
func (s *Server) writeError(c *gin.Context, err error) {
	code := domain.CodeOf(err)
	status := code.HTTPStatus()

	detail := ErrorDetail{Code: string(code), Message: err.Error()}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("session_id", c.Param("id")),
			zap.Error(err))
	}
	var de *domain.Error
	if errors.As(err, &de) && len(de.Metadata) > 0 {
		detail.Details = de.Metadata
	}

	c.JSON(status, ErrorResponse{Error: detail})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.writeError(c, domain.WrapError(domain.CodeValidation, err, "invalid request body"))
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"engine": "ok"}
	healthy := true

	if s.pool != nil {
		status := s.pool.Health().GetStatus()
		checks["workers"] = status
		healthy = status.Healthy
	}

	code := http.StatusOK
	state := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(code, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// handleCreateSession handles session creation
func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	sess, err := s.engine.CreateSession(c.Request.Context(), ActorFrom(c).Scope(), session.CreateRequest{
		ID:           req.SessionID,
		WorkflowType: req.WorkflowType,
		Metadata:     req.Metadata,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sess)
}

// handleGetSession handles getting session details
func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.engine.GetSession(c.Request.Context(), ActorFrom(c).Scope(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleDeleteSession handles session deletion
func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.engine.DeleteSession(c.Request.Context(), ActorFrom(c).Scope(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAddStep stages the JSON body as the payload of one step
func (s *Server) handleAddStep(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.badRequest(c, err)
		return
	}

	sess, err := s.engine.AddStepData(c.Request.Context(), ActorFrom(c).Scope(), c.Param("id"), c.Param("step"), payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleTransition handles explicit status changes
func (s *Server) handleTransition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	sess, err := s.engine.Transition(c.Request.Context(), ActorFrom(c), c.Param("id"), req.Status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleTouch renews a session's TTL
func (s *Server) handleTouch(c *gin.Context) {
	var req TouchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}

	sess, err := s.engine.Touch(c.Request.Context(), ActorFrom(c).Scope(), c.Param("id"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleCommit commits a session, or queues the commit with ?async=true
func (s *Server) handleCommit(c *gin.Context) {
	id := c.Param("id")
	scope := ActorFrom(c).Scope()

	async, _ := strconv.ParseBool(c.Query("async"))
	if async {
		if err := s.engine.CommitAsync(c.Request.Context(), scope, id); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"session_id": id,
			"status":     "queued",
		})
		return
	}

	result, err := s.engine.Commit(c.Request.Context(), scope, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleGetProgress handles getting the progress projection
func (s *Server) handleGetProgress(c *gin.Context) {
	p, err := s.engine.GetProgress(c.Request.Context(), ActorFrom(c).Scope(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleTrigger runs a manual cleanup for the caller's organization
func (s *Server) handleTrigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	manual := scheduler.ManualRequest{
		SessionIDs: req.SessionIDs,
		Statuses:   req.Statuses,
		Workflow:   req.Workflow,
	}
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			s.writeError(c, domain.Validation("invalid older_than: %v", err))
			return
		}
		manual.OlderThan = d
	}

	result, err := s.scheduler.Trigger(c.Request.Context(), ActorFrom(c), manual)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleRunJob runs one scheduler job immediately
func (s *Server) handleRunJob(c *gin.Context) {
	actor := ActorFrom(c)
	if !s.scheduler.CanOperate(actor) {
		s.writeError(c, domain.PermissionDenied("actor %s may not run scheduler jobs", actor.ID))
		return
	}

	summary, err := s.scheduler.RunJob(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
