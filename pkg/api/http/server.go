package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/internal/application/orchestrator"
	"github.com/aescanero/regorch/internal/application/scheduler"
	"github.com/aescanero/regorch/internal/application/workers"
	"github.com/aescanero/regorch/pkg/domain"
)

// Authenticator turns a bearer token into an actor.
type Authenticator interface {
	Verify(token string) (domain.Actor, error)
}

// Server represents the HTTP API server
type Server struct {
	router    *gin.Engine
	api       *gin.RouterGroup
	server    *http.Server
	engine    *orchestrator.Engine
	scheduler *scheduler.Scheduler
	pool      *workers.Pool
	logger    *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port   int
	Engine *orchestrator.Engine
	// Scheduler enables the admin routes when set.
	Scheduler *scheduler.Scheduler
	// Pool is reported by the health check when set.
	Pool    *workers.Pool
	Auth    Authenticator
	Metrics prometheus.Gatherer
	Logger  *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		pool:      cfg.Pool,
		logger:    cfg.Logger,
	}

	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(cfg *Config) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	gatherer := cfg.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API v1
	s.api = s.router.Group("/api/v1", AuthMiddleware(cfg.Auth))
	{
		s.api.POST("/sessions", s.handleCreateSession)
		s.api.GET("/sessions/:id", s.handleGetSession)
		s.api.DELETE("/sessions/:id", s.handleDeleteSession)
		s.api.POST("/sessions/:id/steps/:step", s.handleAddStep)
		s.api.POST("/sessions/:id/transitions", s.handleTransition)
		s.api.POST("/sessions/:id/touch", s.handleTouch)
		s.api.POST("/sessions/:id/commit", s.handleCommit)
		s.api.GET("/sessions/:id/progress", s.handleGetProgress)
	}

	if s.scheduler != nil {
		admin := s.api.Group("/admin/scheduler")
		admin.POST("/trigger", s.handleTrigger)
		admin.POST("/jobs/:name/run", s.handleRunJob)
	}
}

// SetupWebSocket adds the session event stream behind authentication.
func (s *Server) SetupWebSocket(handler interface {
	HandleSessionStream(*gin.Context)
}) {
	s.api.GET("/sessions/:id/ws", handler.HandleSessionStream)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
