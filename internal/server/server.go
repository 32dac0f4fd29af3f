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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/behavauth/internal/circuitbreaker"
	"github.com/mbd888/behavauth/internal/config"
	"github.com/mbd888/behavauth/internal/contextdrift"
	"github.com/mbd888/behavauth/internal/health"
	"github.com/mbd888/behavauth/internal/logging"
	"github.com/mbd888/behavauth/internal/metrics"
	"github.com/mbd888/behavauth/internal/model"
	"github.com/mbd888/behavauth/internal/ratelimit"
	"github.com/mbd888/behavauth/internal/realtime"
	"github.com/mbd888/behavauth/internal/retry"
	"github.com/mbd888/behavauth/internal/risk"
	"github.com/mbd888/behavauth/internal/security"
	"github.com/mbd888/behavauth/internal/session"
	"github.com/mbd888/behavauth/internal/syncutil"
	"github.com/mbd888/behavauth/internal/traces"
	"github.com/mbd888/behavauth/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	service      *session.Service
	models       *model.Manager
	retrainer    *model.RetrainWorker // nil unless RETRAIN_ASYNC
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if contexts live in the primary store
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	closers      []closer           // released in reverse order on shutdown
	drainDelay   time.Duration

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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// closer releases one resource acquired by New.
type closer struct {
	name  string
	close func(context.Context) error
}

func (s *Server) onShutdown(name string, fn func(context.Context) error) {
	s.closers = append(s.closers, closer{name: name, close: fn})
}

// release runs the closers newest first and reports every failure.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(ctx); err != nil {
			s.logger.Error("failed to release "+c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		s.logger.Debug("released " + c.name)
	}
	s.closers = nil
	return errors.Join(errs...)
}

// stores groups the persistence backends chosen at startup.
type stores struct {
	profiles contextdrift.ProfileStore
	contexts contextdrift.ContextCache
	sessions model.Store
	riskLog  risk.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = s.release(ctx)
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		s.onShutdown("redis", func(context.Context) error { return s.redis.Close() })
		cache := contextdrift.NewRedisCache(s.redis, cfg.ContextCacheTTL)

		// Context drift fails open, so an unreachable Redis should cost
		// one fast error per call rather than a dial timeout.
		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("context cache circuit changed", "key", key, "from", from.String(), "to", to.String())
		})
		st.contexts = contextdrift.NewGuardedCache(cache, breaker, "redis")
		s.health.Register("redis", health.PingChecker("redis", cache.Ping))
		s.logger.Info("using Redis context cache", "addr", opt.Addr, "ttl", cfg.ContextCacheTTL)
	}

	stopTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.onShutdown("tracing", stopTracing)
	}

	// Model manager and the lock table shared with the retrain worker
	modelCfg := model.DefaultConfig()
	modelCfg.MinSessions = cfg.MinTrainingSessions
	modelCfg.MinRows = cfg.MinTrainingRows
	modelCfg.Window = cfg.TrainingWindow
	s.models = model.NewManager(st.sessions, modelCfg, s.logger)
	locks := syncutil.NewKeyedMutex()

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSAllowedOrigins))
	s.models.OnTrained(func(meta model.Metadata) {
		s.realtimeHub.Broadcast(&realtime.Event{
			Type:   realtime.EventModelTrained,
			UserID: meta.UserID,
			Data:   meta,
		})
	})

	s.service = session.NewService(session.Deps{
		Profiles: st.profiles,
		Contexts: st.contexts,
		Sessions: st.sessions,
		RiskLog:  st.riskLog,
		Models:   s.models,
		Locks:    locks,
	}, session.Config{
		QuarantineThreshold: cfg.QuarantineThreshold,
		RiskLogLimit:        cfg.RiskLogLimit,
		MaxTravelSpeed:      cfg.MaxTravelSpeedKMH,
	}, s.logger).WithEvents(s.realtimeHub)

	if cfg.RetrainAsync {
		s.retrainer = model.NewRetrainWorker(s.models, locks, cfg.RetrainQueueSize, s.logger)
		s.service.WithRetrainer(s.retrainer)
		s.health.Register("retrain_worker", health.RunningChecker("retrain_worker", s.retrainer.Running))
		s.logger.Info("asynchronous retraining enabled", "queue_size", cfg.RetrainQueueSize)
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores picks Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage")
		ctxStore := contextdrift.NewMemoryStore()
		return &stores{
			profiles: ctxStore,
			contexts: ctxStore,
			sessions: model.NewMemoryStore(),
			riskLog:  risk.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	policy := retry.StartupPolicy()
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("database not reachable yet", "attempt", attempt, "retry_in", wait, "error", err)
	}
	if err := retry.Do(ctx, policy, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.onShutdown("database", func(context.Context) error { return db.Close() })
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	ctxStore := contextdrift.NewPostgresStore(db)
	if err := ctxStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate context store", "error", err)
	}
	sessionStore := model.NewPostgresStore(db)
	if err := sessionStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate session store", "error", err)
	}
	riskStore := risk.NewPostgresStore(db)
	if err := riskStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate risk log store", "error", err)
	}

	s.health.Register("database", health.PingChecker("database", db.PingContext))

	return &stores{
		profiles: ctxStore,
		contexts: ctxStore,
		sessions: sessionStore,
		riskLog:  riskStore,
	}, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream ID (load balancer, client SDK) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		// Handlers may have scoped the request to a user
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Risk event stream for dashboards
	s.router.GET("/ws/risk", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// Risk API, throttled per client IP
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.onShutdown("rate limiter", func(context.Context) error {
		s.rateLimiter.Stop()
		return nil
	})
	api := s.router.Group("/", s.rateLimiter.Middleware())
	session.NewHandler(s.service).RegisterRoutes(api)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	Checks       []health.Status `json:"checks,omitempty"`
	CachedModels int             `json:"cached_models"`
	Timestamp    string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:       status,
		Version:      Version,
		Checks:       checks,
		CachedModels: s.models.CachedCount(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"quarantine_threshold", s.cfg.QuarantineThreshold,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.retrainer != nil {
		go s.retrainer.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = fmt.Errorf("http server: %w", err)
		}
	}

	// Stop the hub, worker and collectors after in-flight requests finish
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.retrainer != nil {
		s.retrainer.Stop()
		s.logger.Info("retrain worker stopped", "pending", s.retrainer.Pending())
	}

	if err := s.release(ctx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
