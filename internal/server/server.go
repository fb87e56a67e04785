// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/attestwatch/internal/aggregator"
	"github.com/mbd888/attestwatch/internal/anomaly"
	"github.com/mbd888/attestwatch/internal/config"
	"github.com/mbd888/attestwatch/internal/executor"
	"github.com/mbd888/attestwatch/internal/feed"
	"github.com/mbd888/attestwatch/internal/health"
	"github.com/mbd888/attestwatch/internal/idgen"
	"github.com/mbd888/attestwatch/internal/ledger"
	"github.com/mbd888/attestwatch/internal/logging"
	"github.com/mbd888/attestwatch/internal/metrics"
	"github.com/mbd888/attestwatch/internal/monitor"
	"github.com/mbd888/attestwatch/internal/policy"
	"github.com/mbd888/attestwatch/internal/provider"
	"github.com/mbd888/attestwatch/internal/ratelimit"
	"github.com/mbd888/attestwatch/internal/risk"
	"github.com/mbd888/attestwatch/internal/security"
	"github.com/mbd888/attestwatch/internal/traces"
	"github.com/mbd888/attestwatch/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	providers    []provider.Provider
	model        *risk.Model
	aggregator   *aggregator.Aggregator
	policies     *policy.Manager
	submitter    ledger.Submitter
	detector     *anomaly.Detector
	executor     *executor.Executor
	monitor      *monitor.Service
	hub          *feed.Hub
	profileStore risk.ProfileStore
	actionStore  executor.Store
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc
	traceStop    func(context.Context) error

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

// WithSubmitter sets a custom registry submitter (for testing)
func WithSubmitter(sub ledger.Submitter) Option {
	return func(s *Server) {
		s.submitter = sub
	}
}

// WithProviders sets the risk data providers (for testing)
func WithProviders(providers ...provider.Provider) Option {
	return func(s *Server) {
		s.providers = providers
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set submitter/providers/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.profileStore = risk.NewPostgresStore(db)
		s.actionStore = executor.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.profileStore = risk.NewMemoryStore()
		s.actionStore = executor.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Risk data providers. A provider with no API key is disabled.
	if s.providers == nil {
		if cfg.TRMAPIKey != "" {
			s.providers = append(s.providers, provider.NewTRMClient(provider.TRMConfig{
				APIKey:        cfg.TRMAPIKey,
				BaseURL:       cfg.TRMBaseURL,
				RetryAttempts: cfg.RetryAttempts,
			}, s.logger))
			s.logger.Info("TRM Labs screening enabled")
		}
		if cfg.ChainalysisAPIKey != "" {
			s.providers = append(s.providers, provider.NewChainalysisClient(provider.ChainalysisConfig{
				APIKey:        cfg.ChainalysisAPIKey,
				BaseURL:       cfg.ChainalysisBaseURL,
				RetryAttempts: cfg.RetryAttempts,
			}, s.logger))
			s.logger.Info("Chainalysis screening enabled")
		}
		if len(s.providers) == 0 {
			s.logger.Warn("no risk data providers configured, wallets will assess clean")
		}
	}

	// Attestation registry submitter. A missing contract address disables
	// on-chain submission; a half-configured registry is a startup failure.
	if s.submitter == nil {
		if cfg.RegistryEnabled() {
			reg, err := ledger.NewRegistry(ledger.Config{
				RPCURL:           cfg.RPCURL,
				PrivateKey:       cfg.PrivateKey,
				ChainID:          cfg.ChainID,
				RegistryContract: cfg.RegistryContract,
			}, s.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create registry submitter: %w", err)
			}
			s.submitter = reg
			s.logger.Info("on-chain attestation registry enabled",
				"contract", cfg.RegistryContract,
				"chainId", cfg.ChainID)
		} else {
			s.submitter = ledger.NoopSubmitter{}
			s.logger.Warn("attestation registry not configured, actions will not reach the chain")
		}
	}

	// Core pipeline
	s.model = risk.NewModel(risk.DefaultThresholds())
	s.aggregator = aggregator.New(s.providers, s.model, s.logger)
	s.policies = policy.NewManager(risk.DefaultThresholds(), s.logger)
	s.detector = anomaly.NewDetector(anomaly.DefaultThresholds(), s.logger)
	s.hub = feed.NewHub(s.logger)
	s.executor = executor.New(s.submitter, s.actionStore, s.hub, s.logger)

	s.monitor = monitor.New(
		monitor.Config{
			PollInterval:    time.Duration(cfg.PollIntervalMinutes) * time.Minute,
			AnomalyInterval: time.Duration(cfg.AnomalyIntervalMinutes) * time.Minute,
			BatchSize:       cfg.BatchSize,
			CacheTTL:        time.Duration(cfg.CacheTTLMinutes) * time.Minute,
		},
		s.aggregator,
		s.model,
		s.policies,
		s.executor,
		s.detector,
		s.profileStore,
		s.hub,
		s.logger,
	)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("providers", func(ctx context.Context) health.Status {
		return health.Status{
			Name:    "providers",
			Healthy: true,
			Detail:  fmt.Sprintf("%d enabled", len(s.providers)),
		}
	})

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
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

		// Log level based on status code
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

	// WebSocket compliance event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	monitorHandler := monitor.NewHandler(s.monitor, s.profileStore)
	monitorHandler.RegisterRoutes(v1)

	policyHandler := policy.NewHandler(s.policies)
	policyHandler.RegisterRoutes(v1)

	// Enforcement audit trail
	v1.GET("/wallets/:address/actions", s.listActionsHandler)

	// Feed stats for dashboards
	v1.GET("/feed/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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
		"name":        "attestwatch",
		"description": "Risk monitoring and policy engine for on-chain attestations",
		"version":     "0.1.0",
		"providers":   s.aggregator.Providers(),
	})
}

// listActionsHandler returns the enforcement audit trail for a wallet.
func (s *Server) listActionsHandler(c *gin.Context) {
	results, err := s.actionStore.ListByWallet(c.Request.Context(), c.Param("address"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": results, "count": len(results)})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP endpoint is unset)
	stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = stop
	}

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
			"providers", len(s.providers),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start compliance feed hub
	go s.hub.Run(runCtx)

	// Start monitoring loops
	s.monitor.Start(runCtx)

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server. The monitoring loops stop first so
// no new actions are launched while the HTTP server drains.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop monitoring before anything else; an in-flight cycle finishes
	// its current batch.
	s.monitor.Stop()

	// Cancel the context for remaining background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
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

// Monitor returns the monitoring service for testing
func (s *Server) Monitor() *monitor.Service {
	return s.monitor
}

func generateRequestID() string {
	return idgen.Hex(16)
}
