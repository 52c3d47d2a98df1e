// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kvitton/backend/internal/audit"
	"github.com/kvitton/backend/internal/config"
	"github.com/kvitton/backend/internal/events"
	"github.com/kvitton/backend/internal/fraud"
	"github.com/kvitton/backend/internal/ingest"
	"github.com/kvitton/backend/internal/logging"
	"github.com/kvitton/backend/internal/metrics"
	"github.com/kvitton/backend/internal/patterns"
	"github.com/kvitton/backend/internal/results"
	"github.com/kvitton/backend/internal/traces"
	"github.com/kvitton/backend/internal/validation"
	"github.com/kvitton/backend/internal/workflow"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	workflowSvc   *workflow.Service
	auditStore    audit.Store
	ingestor      *ingest.Ingestor
	engine        *fraud.Engine
	fraudStore    fraud.Store
	detector      *patterns.Detector
	cache         results.Cache
	publisher     *events.Publisher
	sweeper       *workflow.Sweeper
	scheduler     *gocron.Scheduler
	db            *sql.DB // nil if using in-memory
	redisClient   *redis.Client
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesCleanup func(context.Context) error
	cancelRunCtx  context.CancelFunc

	injectedAssessor fraud.RiskAssessor

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAssessor sets a custom risk assessor (for testing)
func WithAssessor(a fraud.RiskAssessor) Option {
	return func(s *Server) {
		s.injectedAssessor = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when no endpoint configured)
	cleanup, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesCleanup = cleanup

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var workflowStore workflow.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		workflowStore = workflow.NewPostgresStore(db)
		s.auditStore = audit.NewPostgresStore(db)
		s.fraudStore = fraud.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		workflowStore = workflow.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.fraudStore = fraud.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Results cache (Redis if REDIS_URL set, otherwise in-process)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		s.redisClient = redis.NewClient(redisOpts)
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.cache = results.NewRedisCache(s.redisClient, s.logger)
		s.logger.Info("results cache enabled (redis)")
	} else {
		s.cache = results.NewMemoryCache()
		s.logger.Info("results cache enabled (in-memory)")
	}

	// Lifecycle events (Kafka if KAFKA_BROKER set)
	if cfg.KafkaBroker != "" {
		s.publisher = events.NewPublisher(cfg.KafkaBroker, s.logger)
		s.logger.Info("event publishing enabled", "broker", cfg.KafkaBroker)
	}

	// Workflow service
	s.workflowSvc = workflow.NewService(workflowStore, s.auditStore, s.logger).
		WithCache(s.cache)
	if s.publisher != nil {
		s.workflowSvc.WithEvents(s.publisher)
	}

	// Batch ingestion
	s.ingestor = ingest.NewIngestor(ingest.DefaultConfig(cfg.VerificationWindow))

	// Fraud scoring (provider optional; fallback-only without one)
	assessor := s.injectedAssessor
	if assessor == nil && cfg.AssessorURL != "" {
		assessor = fraud.NewHTTPAssessor(fraud.HTTPAssessorConfig{
			URL:        cfg.AssessorURL,
			APIKey:     cfg.AssessorAPIKey,
			Model:      cfg.AssessorModel,
			Timeout:    cfg.AssessorTimeout,
			MaxRetries: cfg.AssessorMaxRetries,
			RPM:        cfg.AssessorRPM,
		})
		s.logger.Info("risk assessor enabled", "model", cfg.AssessorModel)
	} else if assessor == nil {
		s.logger.Info("risk assessor not configured, heuristic fallback only")
	}
	s.detector = patterns.NewDetector(patterns.DefaultConfig())
	s.engine = fraud.NewEngine(assessor, s.fraudStore, s.auditStore, s.logger).
		WithWorkers(cfg.ScoringWorkers).
		WithDetector(s.detector)
	if s.publisher != nil {
		s.engine.WithEvents(s.publisher)
	}

	// Deadline sweep
	s.sweeper = workflow.NewSweeper(s.workflowSvc, workflowStore, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	ingest.NewHandler(s.ingestor, s.workflowSvc).RegisterRoutes(v1)
	workflow.NewHandler(s.workflowSvc, s.auditStore).RegisterRoutes(v1)
	fraud.NewHandler(s.engine, s.fraudStore, s.workflowSvc).RegisterRoutes(v1)
	patterns.NewHandler(s.detector).RegisterRoutes(v1)
	results.NewHandler(s.workflowSvc, s.cache).RegisterRoutes(v1)

	// On-demand sweep, same pass the scheduler runs.
	v1.POST("/admin/sweep", s.sweepHandler)
}

func (s *Server) sweepHandler(c *gin.Context) {
	swept := s.sweeper.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"swept": swept})
}

func (s *Server) healthHandler(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	if !s.healthy.Load() {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["database"] = "unreachable"
		} else {
			body["database"] = "ok"
		}
	}
	c.JSON(status, body)
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Deadline sweep on a fixed cadence
	s.scheduler = gocron.NewScheduler(time.UTC)
	if _, err := s.scheduler.Every(s.cfg.SweepInterval).Do(func() {
		s.sweeper.RunOnce(runCtx)
	}); err != nil {
		s.logger.Error("failed to schedule deadline sweep", "error", err)
	} else {
		s.scheduler.StartAsync()
		s.logger.Info("deadline sweep scheduled", "interval", s.cfg.SweepInterval.String())
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.scheduler != nil {
		s.scheduler.Stop()
		s.logger.Info("deadline sweep stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("failed to flush event publisher", "error", err)
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close database", "error", err)
		}
	}
	if s.tracesCleanup != nil {
		if err := s.tracesCleanup(ctx); err != nil {
			s.logger.Warn("failed to shut down tracing", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the router for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
