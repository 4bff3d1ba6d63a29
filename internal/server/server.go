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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tmarkov/fraudwatch/internal/config"
	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/history"
	"github.com/tmarkov/fraudwatch/internal/isoforest"
	"github.com/tmarkov/fraudwatch/internal/logging"
	"github.com/tmarkov/fraudwatch/internal/metrics"
	"github.com/tmarkov/fraudwatch/internal/model"
	"github.com/tmarkov/fraudwatch/internal/ratelimit"
	"github.com/tmarkov/fraudwatch/internal/realtime"
	"github.com/tmarkov/fraudwatch/internal/reasons"
	"github.com/tmarkov/fraudwatch/internal/review"
	"github.com/tmarkov/fraudwatch/internal/scoring"
	"github.com/tmarkov/fraudwatch/internal/security"
	"github.com/tmarkov/fraudwatch/internal/validation"
	"github.com/tmarkov/fraudwatch/internal/webhooks"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	events       event.Store
	records      scoring.RecordStore
	runs         model.RunStore
	reviews      review.Store
	historyStore *history.Store
	manager      *model.Manager
	svc          *scoring.Service
	retrainTimer *model.RetrainTimer
	dispatcher   *webhooks.Dispatcher
	webhookStore webhooks.Store
	emitter      *webhooks.Emitter
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var webhookStore webhooks.Store

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		eventStore := event.NewPostgresStore(db)
		if err := eventStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate event store", "error", err)
		}
		s.events = eventStore

		recordStore := scoring.NewPostgresRecordStore(db)
		if err := recordStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate score record store", "error", err)
		}
		s.records = recordStore

		runStore := model.NewPostgresRunStore(db)
		if err := runStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate model run store", "error", err)
		}
		s.runs = runStore

		reviewStore := review.NewPostgresStore(db)
		if err := reviewStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate review store", "error", err)
		}
		s.reviews = reviewStore

		pgWebhooks := webhooks.NewPostgresStore(db)
		if err := pgWebhooks.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		webhookStore = pgWebhooks
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.events = event.NewMemoryStore()
		s.records = scoring.NewMemoryRecordStore()
		s.runs = model.NewMemoryRunStore()
		s.reviews = review.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
	}

	s.webhookStore = webhookStore
	s.dispatcher = webhooks.NewDispatcher(webhookStore)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)

	s.historyStore = history.NewStore(history.Config{
		Window:        cfg.HistoryWindow,
		MaxItems:      cfg.MaxProfileItems,
		RecentAmounts: cfg.RecentAmounts,
	}, history.WithRepairCallback(func(entityID string) {
		metrics.ProfileRepairsTotal.Inc()
		s.logger.Warn("rebuilt inconsistent entity profile", "entityId", entityID)
	}))

	s.manager = model.NewManager(s.events, s.runs,
		model.WithLogger(s.logger),
		model.WithParams(isoforest.Params{
			Trees:      cfg.ForestTrees,
			SampleSize: cfg.ForestSample,
			Seed:       cfg.TrainingSeed,
		}),
		model.WithMinTrainingRows(cfg.MinTrainingRows),
		model.WithFlagPercentile(cfg.FlagPercentile),
		model.WithHistoryConfig(history.Config{
			Window:        cfg.HistoryWindow,
			MaxItems:      cfg.MaxProfileItems,
			RecentAmounts: cfg.RecentAmounts,
		}),
	)
	if err := s.manager.Restore(ctx); err != nil {
		s.logger.Warn("failed to restore persisted model", "error", err)
	} else if id := s.manager.ActiveID(); id != "" {
		s.logger.Info("restored active model", "runId", id)
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	rc := reasons.DefaultConfig()
	rc.TravelSpeedCeiling = cfg.TravelSpeedCeiling
	rc.VelocityCeiling5m = cfg.VelocityCeiling5m
	rc.SpendCeiling1h = cfg.SpendCeiling1h

	s.svc = scoring.NewService(s.events, s.records, s.historyStore, s.manager, s.reviews,
		scoring.WithLogger(s.logger),
		scoring.WithReasonsConfig(rc),
		scoring.WithTopReasons(cfg.TopReasons),
		scoring.WithEmitter(s.emitter),
		scoring.WithHub(s.realtimeHub),
	)

	if cfg.RetrainInterval > 0 {
		s.retrainTimer = model.NewRetrainTimer(s.manager, cfg.RetrainInterval, s.logger)
		s.retrainTimer.OnRetrain(func(run *model.Run) {
			s.emitter.EmitModelRetrained(run.ID, run.CorpusSize, run.TrainedAt)
			s.realtimeHub.BroadcastModelRetrained(map[string]interface{}{
				"runId":      run.ID,
				"corpusSize": run.CorpusSize,
				"percentile": run.Percentile,
				"trainedAt":  run.TrainedAt,
			})
		})
		s.logger.Info("periodic retraining enabled", "interval", cfg.RetrainInterval)
	}

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

	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time score streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	scoring.NewHandler(s.svc).RegisterRoutes(v1)
	model.NewHandler(s.manager, s.runs, s.emitter, s.realtimeHub).RegisterRoutes(v1)
	review.NewHandler(s.reviews, s.emitter).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(v1)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	if s.manager.ActiveID() != "" {
		checks["model"] = "active"
	} else {
		checks["model"] = "untrained"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Fraudwatch",
		"description": "Near-real-time transaction anomaly scoring",
		"version":     "0.1.0",
		"model":       s.manager.ActiveID(),
	})
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.retrainTimer != nil {
		go s.retrainTimer.Start(runCtx)
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
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

	// Stop background goroutines (hub, retrain timer, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.retrainTimer != nil {
		s.retrainTimer.Stop()
		s.logger.Info("retrain timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
