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

	"github.com/mbd888/fomorip/internal/auth"
	"github.com/mbd888/fomorip/internal/chain"
	"github.com/mbd888/fomorip/internal/config"
	"github.com/mbd888/fomorip/internal/health"
	"github.com/mbd888/fomorip/internal/logging"
	"github.com/mbd888/fomorip/internal/market"
	"github.com/mbd888/fomorip/internal/metrics"
	"github.com/mbd888/fomorip/internal/notify"
	"github.com/mbd888/fomorip/internal/ratelimit"
	"github.com/mbd888/fomorip/internal/realtime"
	"github.com/mbd888/fomorip/internal/security"
	"github.com/mbd888/fomorip/internal/traces"
	"github.com/mbd888/fomorip/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	networks    *chain.Registry
	settlement  market.Settlement
	reader      *chain.ContractReader // nil when settlement is injected
	market      *market.Service
	sweeper     *market.Sweeper
	notes       notify.Store
	dispatcher  *notify.Dispatcher
	kafka       *notify.KafkaPublisher
	authMgr     *auth.Manager
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	shutdownTr  func(context.Context) error

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
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

// WithSettlement replaces the on-chain adapter (for testing)
func WithSettlement(st market.Settlement) Option {
	return func(s *Server) {
		s.settlement = st
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTr, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTr = shutdownTr

	// Network table and settlement adapter
	s.networks, err = chain.LoadRegistry(cfg.NetworksFile, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("failed to load networks: %w", err)
	}
	if s.settlement == nil {
		signer, err := chain.NewSigner(cfg.SignerKey, s.networks)
		if err != nil {
			return nil, fmt.Errorf("failed to create signer: %w", err)
		}
		s.reader, err = chain.NewContractReader(s.networks, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create contract reader: %w", err)
		}
		s.settlement = chain.NewAdapter(signer, s.reader)
		s.logger.Info("deal signer ready", "address", signer.Address())
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		marketStore market.Store
		authStore   auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.notes = notify.NewPostgresStore(db)
		marketStore = market.NewPostgresStore(db, s.logger)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.notes = notify.NewMemoryStore()
		marketStore = market.NewMemoryStore(s.notes, s.logger)
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore)

	mcfg := market.DefaultConfig()
	mcfg.FeePercent = cfg.FeePercent
	mcfg.MinPrice = cfg.MinPrice
	mcfg.StatusTimeout = cfg.StatusTimeout
	mcfg.CompletionTimeout = cfg.CompletionTimeout
	mcfg.ModerationDelay = cfg.ModerationDelay
	s.market = market.NewService(marketStore, s.settlement, s.networks, mcfg, s.logger)
	s.sweeper = market.NewSweeper(s.market, s.logger).WithInterval(cfg.SweepInterval)

	// Notification fan-out: websocket pushes plus optional Kafka relay
	s.realtimeHub = realtime.NewHub(s.logger)
	publishers := []notify.Publisher{s.realtimeHub}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publishers = append(publishers, s.kafka)
		s.logger.Info("kafka relay enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	s.dispatcher = notify.NewDispatcher(s.notes, s.logger, publishers...)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database("database", s.db))
	}
	s.health.Register("sweeper", health.Worker("sweeper", s.sweeper.Running))
	s.health.Register("dispatcher", health.Worker("dispatcher", s.dispatcher.Running))
	if s.reader != nil {
		s.health.Register("networks", health.Networks("networks", s.reader.DegradedNetworks))
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())

	// Request ID first so session resolution logs carry it
	s.router.Use(s.requestIDMiddleware())

	// Resolve the session (if any) before rate limiting so signed-in
	// wallets get their own bucket
	s.router.Use(auth.Middleware(s.authMgr))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

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
			logger.Debug("request completed",
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

	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	marketHandler := market.NewHandler(s.market)
	authHandler := auth.NewHandler(s.authMgr)
	notifyHandler := notify.NewHandler(s.notes)

	// PUBLIC ROUTES (no session required)
	v1.GET("/networks", s.networksHandler)
	marketHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (signed-in wallet)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		marketHandler.RegisterProtectedRoutes(protected)
		authHandler.RegisterProtectedRoutes(protected)
		notifyHandler.RegisterProtectedRoutes(protected)

		// Live notification pushes for the signed-in wallet
		protected.GET("/ws", func(c *gin.Context) {
			s.realtimeHub.HandleWebSocket(c.Writer, c.Request, auth.GetWallet(c))
		})
	}

	// MODERATOR ROUTES (shared secret)
	moderator := v1.Group("/moderator")
	moderator.Use(auth.RequireModerator(s.cfg.ModeratorSecret))
	marketHandler.RegisterModeratorRoutes(moderator)
}

// -----------------------------------------------------------------------------
// Handlers
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

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

// networksHandler lists the networks deals can settle on.
func (s *Server) networksHandler(c *gin.Context) {
	all := s.networks.List()
	out := make([]chain.Network, 0, len(all))
	for _, n := range all {
		if n.Configured() {
			out = append(out, n)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"networks":   out,
		"feePercent": s.cfg.FeePercent.String(),
		"minPrice":   s.cfg.MinPrice.String(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: websocket hub, notification
// dispatcher, deal sweeper and DB stats sampling.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.dispatcher.Start(runCtx)
	go s.sweeper.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	s.Start(ctx)

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
		_ = s.Shutdown()
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

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.dispatcher.Stop()

	// Cancel the context for all background goroutines (hub, sweeper, dispatcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			s.logger.Error("rpc close error", "error", err)
		}
	}

	if s.shutdownTr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTr(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
		cancel()
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

// Market exposes the marketplace service (used by dealctl and tests).
func (s *Server) Market() *market.Service {
	return s.market
}

// Sweeper exposes the deal sweeper.
func (s *Server) Sweeper() *market.Sweeper {
	return s.sweeper
}

// Dispatcher exposes the notification dispatcher.
func (s *Server) Dispatcher() *notify.Dispatcher {
	return s.dispatcher
}

// Networks exposes the network table.
func (s *Server) Networks() *chain.Registry {
	return s.networks
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
