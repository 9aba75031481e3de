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

	"github.com/piggypay/piggypay/internal/cards"
	"github.com/piggypay/piggypay/internal/config"
	"github.com/piggypay/piggypay/internal/engine"
	"github.com/piggypay/piggypay/internal/fraud"
	"github.com/piggypay/piggypay/internal/health"
	"github.com/piggypay/piggypay/internal/idgen"
	"github.com/piggypay/piggypay/internal/identity"
	"github.com/piggypay/piggypay/internal/ledger"
	"github.com/piggypay/piggypay/internal/logging"
	"github.com/piggypay/piggypay/internal/metrics"
	"github.com/piggypay/piggypay/internal/ratelimit"
	"github.com/piggypay/piggypay/internal/security"
	"github.com/piggypay/piggypay/internal/traces"
	"github.com/piggypay/piggypay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	store    ledger.Store
	preds    fraud.PredictionStore
	scorer   fraud.Scorer
	engine   *engine.Engine
	verifier *identity.Verifier
	cards    *cards.Service

	checks         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil unless using the postgres backend
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

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

// WithScorer sets a custom fraud scorer (for testing)
func WithScorer(sc fraud.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
	}
}

// WithStore sets a custom ledger store (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set store/scorer/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}

	// Load the classifier once; the handle is injected into the engine and
	// immutable for the process lifetime.
	if s.scorer == nil {
		model, err := fraud.LoadModel(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load fraud model: %w", err)
		}
		s.scorer = model
		s.logger.Info("fraud model loaded", "path", cfg.ModelPath, "version", model.Version())
	}
	s.checks.Register("model", func(ctx context.Context) health.Status {
		return health.Status{Name: "model", Healthy: s.scorer != nil, Detail: s.scorer.Version()}
	})

	s.engine = engine.New(s.store, s.scorer, s.preds, engine.Options{
		Threshold:   cfg.Threshold,
		CountryCode: cfg.CountryCode,
		Logger:      s.logger,
	})

	// Card-on-file glue is optional; without a Stripe key the card routes
	// respond with 503.
	if cfg.StripeSecretKey != "" {
		s.cards = cards.NewService(cards.NewStripeGateway(cfg.StripeSecretKey), s.store, s.logger)
		s.logger.Info("card storage enabled")
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

// setupStorage wires the ledger, prediction, and identity stores for the
// configured backend.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.store != nil {
		// Injected store (tests): keep everything else in memory.
		s.preds = fraud.NewMemoryPredictionStore()
		s.verifier = identity.NewVerifier(identity.NewMemoryStore())
		return nil
	}

	switch s.cfg.LedgerBackend {
	case "postgres":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.store = ledgerStore

		predStore := fraud.NewPostgresPredictionStore(db)
		if err := predStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate prediction store", "error", err)
		}
		s.preds = predStore

		idStore := identity.NewPostgresStore(db)
		if err := idStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate identity store", "error", err)
		}
		s.verifier = identity.NewVerifier(idStore)

		s.checks.Register("postgres", health.Ping("postgres", db.PingContext))

	case "dynamodb":
		dynamoStore, err := ledger.NewDynamoStore(ctx, ledger.DynamoConfig{
			Region:    s.cfg.DynamoRegion,
			TableName: s.cfg.DynamoTable,
			Endpoint:  s.cfg.DynamoEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to create dynamodb store: %w", err)
		}
		s.store = dynamoStore
		s.logger.Info("using DynamoDB storage", "table", s.cfg.DynamoTable, "region", s.cfg.DynamoRegion)

		// Prediction audit and identity tokens stay in memory on this
		// backend; they are peripheral to the ledger contract.
		s.preds = fraud.NewMemoryPredictionStore()
		s.verifier = identity.NewVerifier(identity.NewMemoryStore())

	default:
		s.store = ledger.NewMemoryStore()
		s.preds = fraud.NewMemoryPredictionStore()
		s.verifier = identity.NewVerifier(identity.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	return nil
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

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
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// Wallet API. Identity travels in the request body as idToken, matching
	// the mobile client contract.
	api := s.router.Group("/api")
	{
		api.POST("/register", s.registerHandler)
		api.POST("/user", s.userHandler)
		api.POST("/transaction", s.transactionHandler)
		api.POST("/verify-transaction", s.verifyTransactionHandler)
		api.POST("/fraudsight-data", s.fraudsightDataHandler)
		api.POST("/save-iban", s.saveIBANHandler)
		api.POST("/cards", s.saveCardHandler)
		api.POST("/cards/linked", s.linkedCardsHandler)
	}

	// Raw scoring endpoint. Takes a complete feature vector, bypassing
	// extraction; used by the retraining tooling to sanity-check artifacts.
	s.router.POST("/predict", s.predictHandler)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

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

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "PiggyPay",
		"description": "Wallet backend with real-time fraud scoring",
		"version":     "0.1.0",
		"model":       s.scorer.Version(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Trace exporter (no-op when no endpoint configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	// Feed DB pool stats to Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
			"backend", s.cfg.LedgerBackend,
			"model", s.scorer.Version(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func generateRequestID() string {
	return idgen.Hex(8)
}
