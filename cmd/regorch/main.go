package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/regorch/internal/application/chains"
	"github.com/aescanero/regorch/internal/application/commit"
	"github.com/aescanero/regorch/internal/application/orchestrator"
	"github.com/aescanero/regorch/internal/application/scheduler"
	"github.com/aescanero/regorch/internal/application/session"
	"github.com/aescanero/regorch/internal/application/steps"
	"github.com/aescanero/regorch/internal/application/workers"
	"github.com/aescanero/regorch/internal/config"
	auditsqlite "github.com/aescanero/regorch/pkg/adapters/audit/sqlite"
	"github.com/aescanero/regorch/pkg/adapters/auth/jwt"
	eventsmemory "github.com/aescanero/regorch/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/regorch/pkg/adapters/events/redis"
	lockredis "github.com/aescanero/regorch/pkg/adapters/lock/redis"
	"github.com/aescanero/regorch/pkg/adapters/metrics/prometheus"
	notifyredis "github.com/aescanero/regorch/pkg/adapters/notify/redis"
	registrysqlite "github.com/aescanero/regorch/pkg/adapters/registry/sqlite"
	redisstorage "github.com/aescanero/regorch/pkg/adapters/storage/redis"
	"github.com/aescanero/regorch/pkg/adapters/telemetry/otel"
	"github.com/aescanero/regorch/pkg/api/grpc"
	"github.com/aescanero/regorch/pkg/api/http"
	"github.com/aescanero/regorch/pkg/api/websocket"
	"github.com/aescanero/regorch/pkg/domain/workflow"
	"github.com/aescanero/regorch/pkg/ports"

	promclient "github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting session engine",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize adapters
	clock := ports.SystemClock{}
	store := redisstorage.NewSessionStore(redisClient, clock, logger)
	locks := lockredis.NewLockManager(redisClient, logger)
	sender := notifyredis.NewOutbox(redisClient, clock, logger)

	registry, err := registrysqlite.Open(cfg.Storage.RegistryPath, clock)
	if err != nil {
		logger.Fatal("failed to open registry", zap.Error(err))
	}

	audit, err := auditsqlite.Open(cfg.Storage.AuditPath)
	if err != nil {
		logger.Fatal("failed to open audit store", zap.Error(err))
	}

	bus := eventsmemory.NewBus(clock, logger)

	// Sessions are streamed to clients from Redis when mirroring is on, so
	// any replica can serve a stream.
	var subscriber ports.EventSubscriber = bus
	if cfg.Redis.StreamMaxLen > 0 {
		streams := eventsredis.NewStreamsEventBus(redisClient, cfg.Redis.StreamMaxLen, logger)
		if err := streams.Mirror(ctx, bus); err != nil {
			logger.Fatal("failed to mirror events", zap.Error(err))
		}
		subscriber = streams
	}

	metricsCollector := prometheus.NewCollector(promclient.DefaultRegisterer)

	// Initialize application components
	sessions := session.NewManager(store, workflow.Builtin(), clock, metricsCollector, logger, session.Config{
		SuccessGrace:     cfg.Sessions.SuccessGrace,
		FailureRetention: cfg.Sessions.FailureRetention,
	})

	coordinator := commit.NewCoordinator(sessions, registry, store, audit, bus, metricsCollector, logger, commit.Config{
		MaxRetryAttempts:  cfg.Commit.MaxRetryAttempts,
		InitialDelay:      cfg.Commit.InitialDelay,
		Multiplier:        cfg.Commit.Multiplier,
		MaxCommitAttempts: cfg.Commit.MaxCommitAttempts,
		RetryQueueDelay:   cfg.Commit.RetryQueueDelay,
	})

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		cfg.Workers.QueueSize,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)

	// Start worker pool
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	roleChecker := jwt.NewRoleChecker(cfg.Auth.ElevatedRoles...)

	engine := orchestrator.NewEngine(
		sessions,
		locks,
		coordinator,
		bus,
		workerPool,
		steps.AcceptAll{},
		sender,
		metricsCollector,
		logger,
		orchestrator.Config{LockTTL: cfg.Sessions.LockTTL},
	).WithPrivilege(roleChecker)

	chains.NewInsurance(engine, chains.AcceptAllItems{}, logger).Register(bus)

	// A commit that outlives several lock TTLs has lost its worker.
	stuckCommit := cfg.Scheduler.StuckCommitAfter
	if stuckCommit <= 0 {
		stuckCommit = 3 * cfg.Sessions.LockTTL
	}

	jobs := scheduler.DefaultJobs(scheduler.Intervals{
		Reminders:   cfg.Scheduler.ReminderInterval,
		Escalations: cfg.Scheduler.EscalationInterval,
		Expiry:      cfg.Scheduler.ExpiryInterval,
		Retries:     cfg.Scheduler.RetryInterval,
		Recovery:    cfg.Scheduler.RecoveryInterval,
		StuckCommit: stuckCommit,
	})
	if cfg.Scheduler.RulesFile != "" {
		jobs, err = scheduler.LoadJobs(cfg.Scheduler.RulesFile, jobs)
		if err != nil {
			logger.Fatal("failed to load scheduler rules", zap.Error(err))
		}
	}

	sched := scheduler.NewScheduler(
		engine,
		sessions,
		store,
		locks,
		sender,
		roleChecker,
		metricsCollector,
		logger,
		scheduler.Config{
			LeaderLease:   cfg.Scheduler.LeaderLease,
			OperatorEmail: cfg.Scheduler.OperatorEmail,
			RetryBatch:    cfg.Scheduler.RetryBatch,
			StuckCommit:   stuckCommit,
		},
		jobs,
	)
	if cfg.Scheduler.Enabled {
		sched.Start()
	}

	verifier, err := jwt.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, nil)
	if err != nil {
		logger.Fatal("failed to create token verifier", zap.Error(err))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:      cfg.HTTPPort,
		Engine:    engine,
		Scheduler: sched,
		Pool:      workerPool,
		Auth:      verifier,
		Metrics:   promclient.DefaultGatherer,
		Logger:    logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(engine, subscriber, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("session engine started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.Bool("scheduler_enabled", cfg.Scheduler.Enabled))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	grpcServer.SetServing(false)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	sched.Stop()

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	// Stops the event mirror.
	stop()

	if err := audit.Close(); err != nil {
		logger.Error("audit store close error", zap.Error(err))
	}

	if err := registry.Close(); err != nil {
		logger.Error("registry close error", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("session engine shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
