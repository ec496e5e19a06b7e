package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	api "github.com/aescanero/regorch/pkg/api/http"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionReader resolves a session visible to a scope.
type SessionReader interface {
	GetSession(ctx context.Context, scope domain.Scope, id string) (*domain.Session, error)
}

// Handler handles WebSocket connections
type Handler struct {
	sessions SessionReader
	events   ports.EventSubscriber
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(sessions SessionReader, events ports.EventSubscriber, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		events:   events,
		logger:   logger,
	}
}

// HandleSessionStream streams the events of one session to the client
// until either side closes the connection.
func (h *Handler) HandleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	actor := api.ActorFrom(c)

	// The session must be visible to the caller before upgrading.
	if _, err := h.sessions.GetSession(c.Request.Context(), actor.Scope(), sessionID); err != nil {
		code := domain.CodeOf(err)
		c.JSON(code.HTTPStatus(), api.ErrorResponse{
			Error: api.ErrorDetail{Code: string(code), Message: err.Error()},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("session_id", sessionID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	eventChan := make(chan domain.Event, 16)
	err = h.events.Subscribe(ctx, "*", func(ctx context.Context, event domain.Event) error {
		if event.SessionID != sessionID || event.OrganizationID != actor.OrganizationID {
			return nil
		}
		select {
		case eventChan <- event:
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to subscribe to events", zap.Error(err))
		return
	}

	// The read loop only notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventChan:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("failed to write message", zap.String("session_id", sessionID), zap.Error(err))
				return
			}

			if event.Type == domain.EventSessionDeleted {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session deleted"),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}
