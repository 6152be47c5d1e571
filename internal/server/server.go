// Package server wires the viewing, escrow, reschedule and dispute services
// into an HTTP server with its background loops.
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
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/viewpay/viewpay/internal/admin"
	"github.com/viewpay/viewpay/internal/circuitbreaker"
	"github.com/viewpay/viewpay/internal/config"
	"github.com/viewpay/viewpay/internal/directory"
	"github.com/viewpay/viewpay/internal/dispute"
	"github.com/viewpay/viewpay/internal/escrow"
	"github.com/viewpay/viewpay/internal/events"
	"github.com/viewpay/viewpay/internal/health"
	"github.com/viewpay/viewpay/internal/httpx"
	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/logging"
	"github.com/viewpay/viewpay/internal/metrics"
	"github.com/viewpay/viewpay/internal/negotiation"
	"github.com/viewpay/viewpay/internal/payments"
	"github.com/viewpay/viewpay/internal/ratelimit"
	"github.com/viewpay/viewpay/internal/realtime"
	"github.com/viewpay/viewpay/internal/reconciliation"
	"github.com/viewpay/viewpay/internal/redislock"
	"github.com/viewpay/viewpay/internal/reschedule"
	"github.com/viewpay/viewpay/internal/security"
	"github.com/viewpay/viewpay/internal/syncutil"
	"github.com/viewpay/viewpay/internal/traces"
	"github.com/viewpay/viewpay/internal/validation"
	"github.com/viewpay/viewpay/internal/viewing"
)

// Demo fixtures seeded into the in-memory directory so a local server can
// be exercised without a database.
const (
	demoProperty    = "prop_demo"
	demoHunter      = "hunter_demo"
	demoAdjudicator = "adj_demo"
	demoBalance     = "10000.00"
)

// Server is the viewpay API server.
type Server struct {
	cfg     *config.Config
	version string

	db        *sql.DB // nil if using in-memory
	redis     *redis.Client
	locks     syncutil.Locker
	directory directory.Directory
	gateway   payments.Gateway

	escrowService     *escrow.Service
	viewingService    *viewing.Service
	rescheduleService *reschedule.Service
	disputeService    *dispute.Service

	reconciliation  *reconciliation.Service

	settlementTimer *viewing.SettlementTimer
	rescheduleTimer *reschedule.Timer
	reconciler      *reconciliation.Scheduler

	emitter       *events.Emitter
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the configured payment gateway.
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithDirectory replaces the configured property and role directory.
func WithDirectory(d directory.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupLocks(); err != nil {
		return nil, err
	}
	if err := s.setupGateway(); err != nil {
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	if err := s.setupEvents(ctx); err != nil {
		return nil, err
	}

	s.setupServices()
	if err := s.setupRateLimiter(); err != nil {
		return nil, err
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// -----------------------------------------------------------------------------
// Wiring
// -----------------------------------------------------------------------------

func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		if s.directory == nil {
			dir := directory.NewMemoryDirectory()
			dir.AddProperty(demoProperty, demoHunter)
			dir.AddAdjudicator(demoAdjudicator)
			s.directory = dir
			s.logger.Info("seeded demo directory",
				"property", demoProperty, "hunter", demoHunter, "adjudicator", demoAdjudicator)
		}
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	if s.directory == nil {
		s.directory = directory.NewPostgresDirectory(db)
	}
	s.health.Register("database", health.Ping("database", db, 2*time.Second))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupLocks() error {
	if s.cfg.RedisURL == "" {
		s.locks = syncutil.NewKeyedMutex()
		s.logger.Info("using in-process entity locks")
		return nil
	}
	client, err := redislock.NewClient(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	locker := redislock.New(client)
	s.redis = client
	s.locks = locker
	s.health.Register("redis", func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := locker.Ping(ctx); err != nil {
			return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "redis", Healthy: true}
	})
	s.logger.Info("using redis entity locks", "url", maskDSN(s.cfg.RedisURL))
	return nil
}

func (s *Server) setupRateLimiter() error {
	cfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		cfg.RequestsPerMinute = int64(s.cfg.RateLimitRPM)
	}
	if s.redis == nil {
		s.rateLimiter = ratelimit.New(cfg)
	} else {
		rl, err := ratelimit.NewRedis(cfg, s.redis)
		if err != nil {
			return err
		}
		s.rateLimiter = rl
	}
	s.logger.Info("rate limiter ready", "backend", s.rateLimiter.Backend(), "rpm", cfg.RequestsPerMinute)
	return nil
}

func (s *Server) setupGateway() error {
	inner := s.gateway
	switch {
	case inner != nil:
	case s.cfg.StripeSecretKey != "":
		profiles, ok := s.directory.(payments.PaymentProfiles)
		if !ok {
			return errors.New("stripe gateway requires a directory with payment profiles")
		}
		inner = payments.NewStripeGateway(s.cfg.StripeSecretKey, s.cfg.StripeCurrency, profiles)
		s.logger.Info("using Stripe payment gateway", "currency", s.cfg.StripeCurrency)
	default:
		inner = payments.NewSimulatedGateway(demoBalance)
		s.logger.Warn("STRIPE_SECRET_KEY not set, using simulated payment gateway")
	}
	breaker := circuitbreaker.New(5, 30*time.Second).WithStateChange(func(op string, from, to circuitbreaker.State) {
		s.logger.Warn("payment gateway circuit changed", "operation", op, "from", from.String(), "to", to.String())
	})
	s.gateway = payments.NewGuarded(inner, s.cfg.GatewayTimeout, breaker)
	return nil
}

func (s *Server) setupEvents(ctx context.Context) error {
	s.emitter = events.NewEmitter(s.logger, 5*time.Second, events.NewLogSink(s.logger), s.realtimeHub)

	if s.cfg.SNSTopicARN != "" {
		sink, err := events.NewSNSSink(ctx, s.cfg.AWSRegion, s.cfg.SNSTopicARN)
		if err != nil {
			return fmt.Errorf("failed to create SNS sink: %w", err)
		}
		s.emitter.AddSink(sink)
		s.logger.Info("publishing events to SNS", "topic", s.cfg.SNSTopicARN)
	}
	if s.cfg.WebhookURL != "" {
		policy := security.WebhookPolicy{AllowHTTP: !s.cfg.IsProduction()}
		if err := policy.CheckWebhookURL(ctx, s.cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid WEBHOOK_URL: %w", err)
		}
		s.emitter.AddSink(events.NewWebhookSink(s.cfg.WebhookURL, s.cfg.WebhookSecret))
		s.logger.Info("publishing events to webhook", "url", s.cfg.WebhookURL)
	}
	return nil
}

func (s *Server) setupServices() {
	var (
		escrowStore     escrow.Store     = escrow.NewMemoryStore()
		viewingStore    viewing.Store    = viewing.NewMemoryStore()
		rescheduleStore reschedule.Store = reschedule.NewMemoryStore()
		disputeStore    dispute.Store    = dispute.NewMemoryStore()
	)
	if s.db != nil {
		escrowStore = escrow.NewPostgresStore(s.db)
		viewingStore = viewing.NewPostgresStore(s.db)
		rescheduleStore = reschedule.NewPostgresStore(s.db)
		disputeStore = dispute.NewPostgresStore(s.db)
	}

	s.escrowService = escrow.NewService(escrowStore, s.gateway, s.locks, s.logger).WithEvents(s.emitter)

	s.viewingService = viewing.NewService(viewingStore, s.escrowService, s.directory, s.locks, viewing.Config{
		CommissionRate: s.cfg.CommissionRate,
		Negotiation: negotiation.Policy{
			MaxRounds: s.cfg.MaxCounterRounds,
			BandPct:   int64(s.cfg.PriceBandPct),
		},
		CancelCutoff:         s.cfg.CancelCutoff,
		LateCancelForfeitPct: int64(s.cfg.LateCancelForfeitPct),
	}, s.logger).WithEvents(s.emitter)

	s.rescheduleService = reschedule.NewService(rescheduleStore, s.viewingService, s.locks, s.cfg.RescheduleTTL, s.logger).
		WithEvents(s.emitter)
	s.disputeService = dispute.NewService(disputeStore, s.viewingService, s.directory, s.locks, s.logger).
		WithEvents(s.emitter)

	s.settlementTimer = viewing.NewSettlementTimer(s.viewingService, s.cfg.SettlementSweepInterval, s.logger)
	s.rescheduleTimer = reschedule.NewTimer(s.rescheduleService, s.cfg.RescheduleSweepInterval, s.logger)

	s.reconciliation = reconciliation.NewService(s.escrowService, s.viewingService, s.logger)
	s.reconciler = reconciliation.NewScheduler(s.reconciliation, s.cfg.ReconcileCron, s.logger)
	s.health.Register("reconciliation", health.Running("reconciliation", s.reconciler.Running))
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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
	s.router.GET("/health", health.Handler(s.health, s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Browsers cannot set headers on a websocket handshake, so the stream
	// also accepts the actor as a query parameter.
	s.router.GET("/ws", func(c *gin.Context) {
		actor := c.GetHeader(httpx.ActorHeader)
		if actor == "" {
			actor = c.Query("actor")
		}
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, actor)
	})

	v1 := s.router.Group("/v1", httpx.ActorMiddleware())
	viewing.NewHandler(s.viewingService, s.directory).RegisterRoutes(v1)
	escrow.NewHandler(s.escrowService, s.directory).RegisterRoutes(v1)
	reschedule.NewHandler(s.rescheduleService).RegisterRoutes(v1)
	dispute.NewHandler(s.disputeService).RegisterRoutes(v1)
	admin.NewHandler(s.directory).
		WithSettlements(s.viewingService).
		WithReconciler(s.reconciliation).
		WithReschedules(s.rescheduleService).
		WithHolds(s.escrowService).
		RegisterRoutes(v1)
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "commissionBps", s.cfg.CommissionBps())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.settlementTimer.Start(ctx)
	go s.rescheduleTimer.Start(ctx)
	if err := s.reconciler.Start(ctx); err != nil {
		s.logger.Error("failed to start reconciliation", "error", err)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.settlementTimer.Stop()
	s.rescheduleTimer.Stop()
	if s.reconciler.Running() {
		s.reconciler.Stop()
	}

	// Flush in-flight event deliveries before the sinks go away.
	s.emitter.Wait()

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
