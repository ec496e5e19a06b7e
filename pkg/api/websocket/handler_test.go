package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	api "github.com/aescanero/regorch/pkg/api/http"
	events "github.com/aescanero/regorch/pkg/adapters/events/memory"
	"github.com/aescanero/regorch/pkg/domain"
)

type sessionsFunc func(ctx context.Context, scope domain.Scope, id string) (*domain.Session, error)

func (f sessionsFunc) GetSession(ctx context.Context, scope domain.Scope, id string) (*domain.Session, error) {
	return f(ctx, scope, id)
}

func newStreamServer(t *testing.T, bus *events.Bus) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := sessionsFunc(func(_ context.Context, scope domain.Scope, id string) (*domain.Session, error) {
		if id != "s-1" || scope.OrganizationID != "org-1" {
			return nil, domain.NotFound("session not found: %s", id)
		}
		return &domain.Session{ID: id, OrganizationID: "org-1"}, nil
	})

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(api.ActorKey, domain.Actor{ID: "u-1", OrganizationID: c.Query("org")})
	})
	router.GET("/sessions/:id/ws", NewHandler(sessions, bus, zap.NewNop()).HandleSessionStream)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestStreamDeliversSessionEvents(t *testing.T) {
	bus := events.NewBus(nil, zap.NewNop())
	srv := newStreamServer(t, bus)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/sessions/s-1/ws?org=org-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The subscription starts after the handshake, so keep emitting until
	// the first event gets through.
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bus.Emit(ctx, domain.Event{ID: "e-2", Type: domain.EventStepAdded, SessionID: "s-2", OrganizationID: "org-1"})
				bus.Emit(ctx, domain.Event{ID: "e-3", Type: domain.EventStepAdded, SessionID: "s-1", OrganizationID: "org-2"})
				bus.Emit(ctx, domain.Event{ID: "e-1", Type: domain.EventStepAdded, SessionID: "s-1", OrganizationID: "org-1"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event domain.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "e-1", event.ID)
	assert.Equal(t, "s-1", event.SessionID)
	assert.Equal(t, domain.EventStepAdded, event.Type)
}

func TestStreamClosesAfterDelete(t *testing.T) {
	bus := events.NewBus(nil, zap.NewNop())
	srv := newStreamServer(t, bus)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/sessions/s-1/ws?org=org-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bus.Emit(ctx, domain.Event{ID: "e-9", Type: domain.EventSessionDeleted, SessionID: "s-1", OrganizationID: "org-1"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event domain.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, domain.EventSessionDeleted, event.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamRejectsInvisibleSession(t *testing.T) {
	bus := events.NewBus(nil, zap.NewNop())
	srv := newStreamServer(t, bus)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/sessions/s-1/ws?org=org-2"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
