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

	"github.com/starlit-live/walletcore/internal/booking"
	"github.com/starlit-live/walletcore/internal/config"
	"github.com/starlit-live/walletcore/internal/health"
	"github.com/starlit-live/walletcore/internal/logging"
	"github.com/starlit-live/walletcore/internal/metrics"
	"github.com/starlit-live/walletcore/internal/purchase"
	"github.com/starlit-live/walletcore/internal/ratelimit"
	"github.com/starlit-live/walletcore/internal/reconciliation"
	"github.com/starlit-live/walletcore/internal/security"
	"github.com/starlit-live/walletcore/internal/settlement"
	"github.com/starlit-live/walletcore/internal/traces"
	"github.com/starlit-live/walletcore/internal/validation"
	"github.com/starlit-live/walletcore/internal/wallet"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	walletStore wallet.Store
	wallets     *wallet.Service
	settlement  *settlement.Service
	sweepTimer  *settlement.Timer
	bookings    *booking.Service
	recon       *reconciliation.Service
	reconSched  *reconciliation.Scheduler
	purchases   *purchase.Service

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory
	rdb         *redis.Client
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	stopTraces  func(context.Context) error
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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

// WithWalletStore sets a custom wallet store (for testing)
func WithWalletStore(st wallet.Store) Option {
	return func(s *Server) {
		s.walletStore = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var pgWallets *wallet.PostgresStore
	if s.walletStore == nil {
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
			pgWallets = wallet.NewPostgresStore(db)
			s.walletStore = pgWallets
			s.healthReg.Register("postgres", func(ctx context.Context) health.Status {
				if err := db.PingContext(ctx); err != nil {
					return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "postgres", Healthy: true}
			})
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.walletStore = wallet.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		}
	}

	s.wallets = wallet.NewService(s.walletStore)

	// Redis balance cache (optional)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(redisOpts)
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unavailable, balance cache disabled", "error", err)
			s.rdb = nil
		} else {
			s.wallets = s.wallets.WithCache(wallet.NewCache(s.rdb))
			s.healthReg.Register("redis", func(ctx context.Context) health.Status {
				if err := s.rdb.Ping(ctx).Err(); err != nil {
					return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "redis", Healthy: true}
			})
			s.logger.Info("balance cache enabled")
		}
	}

	// Group room settlement
	var settlementStore settlement.Store
	if pgWallets != nil {
		settlementStore = settlement.NewPostgresStore(pgWallets)
	} else {
		settlementStore = settlement.NewMemoryStore(s.walletStore)
	}
	s.settlement = settlement.NewService(settlementStore, s.wallets, cfg.MaxSessionMinutes)
	s.sweepTimer = settlement.NewTimer(s.settlement,
		time.Duration(cfg.HeartbeatTimeoutSeconds)*time.Second, s.logger)

	// Bookings
	var bookingStore booking.Store
	if pgWallets != nil {
		bookingStore = booking.NewPostgresStore(pgWallets)
	} else {
		bookingStore = booking.NewMemoryStore(s.walletStore)
	}
	s.bookings = booking.NewService(bookingStore)

	// Reconciliation, on a daily cron plus the admin trigger
	s.recon = reconciliation.NewService(s.walletStore)
	sched, err := reconciliation.NewScheduler(s.recon, cfg.ReconcileSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_SCHEDULE: %w", err)
	}
	s.reconSched = sched

	// Coin purchases (requires Stripe keys)
	if cfg.StripeSecretKey != "" {
		s.purchases = purchase.NewService(s.wallets, cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		s.logger.Info("coin purchases enabled")
	}

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTraces = stopTraces

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
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
	// Health and observability
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(validation.UserIDParamMiddleware())

	wallet.NewHandler(s.wallets).RegisterRoutes(v1)
	settlement.NewHandler(s.settlement).RegisterRoutes(v1)
	booking.NewHandler(s.bookings).RegisterRoutes(v1)
	reconciliation.NewHandler(s.recon).RegisterRoutes(v1)
	if s.purchases != nil {
		purchase.NewHandler(s.purchases).RegisterRoutes(v1)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy":    healthy && s.healthy.Load(),
		"subsystems": statuses,
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
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

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

	// Stale participant sweeper
	go s.sweepTimer.Start(runCtx)

	// Nightly reconciliation
	s.reconSched.Start()

	// DB pool stats for /metrics
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel background goroutines (sweeper, stats collector)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.logger.Info("sweep timer stopped")
	}

	if s.reconSched != nil {
		s.reconSched.Stop()
		s.logger.Info("reconciliation scheduler stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace exporter close error", "error", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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

// Router exposes the gin engine for tests
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
