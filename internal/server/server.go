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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/chain"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/lock"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/orchestrator"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/scoring"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/similarity"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// cycleLockKey names the distributed lock shared by all replicas.
const cycleLockKey = "sentinel:analysis-cycle"

// oracle is what the server needs from the similarity backend.
type oracle interface {
	scoring.SimilarityOracle
	Healthy() bool
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	activity    activity.Store
	audit       audit.Store
	chain       *chain.Client // nil when a ledger is injected
	ledger      audit.Ledger
	oracle      oracle
	breaker     *circuitbreaker.Breaker
	recorder    *audit.Recorder
	orch        *orchestrator.Orchestrator
	timer       *orchestrator.Timer
	locker      lock.Locker
	redisLock   *lock.Redis
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx  context.CancelFunc
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

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

// WithLedger replaces the on-chain ledger (for testing)
func WithLedger(l audit.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithOracle replaces the embedding-backed similarity oracle (for testing)
func WithOracle(o oracle) Option {
	return func(s *Server) {
		s.oracle = o
	}
}

// WithStores replaces both stores, bypassing DATABASE_URL (for testing)
func WithStores(act activity.Store, threats audit.Store) Option {
	return func(s *Server) {
		s.activity = act
		s.audit = threats
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		breaker:    circuitbreaker.New(5, 30*time.Second),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initLedger(); err != nil {
		s.closeResources()
		return nil, err
	}
	if err := s.initOracle(ctx); err != nil {
		s.closeResources()
		return nil, err
	}
	if err := s.initLock(ctx); err != nil {
		s.closeResources()
		return nil, err
	}

	s.recorder = audit.NewRecorder(s.audit, s.ledger, s.breaker, audit.RecorderConfig{
		AttackType: cfg.AttackType,
		Timeout:    cfg.LedgerTimeout,
		Window:     cfg.CycleInterval,
	})

	s.realtimeHub = realtime.NewHub(s.logger)

	orchCfg := orchestrator.Config{
		Params:         cfg.Scoring,
		ShortWindow:    cfg.ShortWindow,
		ActiveLookback: cfg.ActiveLookback,
		Concurrency:    cfg.WorkerConcurrency,
		KeepResults:    orchestrator.DefaultConfig().KeepResults,
	}
	s.orch = orchestrator.New(s.activity, s.oracle, s.recorder, orchCfg, s.logger,
		orchestrator.WithLocker(s.locker),
		orchestrator.WithNotifier(&hubNotifier{hub: s.realtimeHub}),
	)
	s.timer = orchestrator.NewTimer(s.orch, cfg.CycleInterval, s.logger)

	s.initHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.activity != nil && s.audit != nil {
		return nil
	}

	if s.cfg.DatabaseURL == "" {
		s.activity = activity.NewMemoryStore()
		s.audit = audit.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
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
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.activity = activity.NewPostgresStore(db)
	s.audit = audit.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initLedger() error {
	if s.ledger != nil {
		return nil
	}
	client, err := chain.New(chain.Config{
		RPCURL:         s.cfg.RPCURL,
		PrivateKey:     s.cfg.PrivateKey,
		ChainID:        s.cfg.ChainID,
		Contract:       s.cfg.ThreatLogContract,
		ConfirmTimeout: s.cfg.LedgerTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}
	s.chain = client
	s.ledger = &ledgerAdapter{client: client}
	s.logger.Info("threat ledger configured",
		"contract", s.cfg.ThreatLogContract,
		"chain_id", s.cfg.ChainID,
		"account", client.Address(),
	)
	return nil
}

func (s *Server) initOracle(ctx context.Context) error {
	if s.oracle != nil {
		return nil
	}

	var embedder similarity.Embedder
	switch s.cfg.EmbeddingProvider {
	case "genai":
		e, err := similarity.NewGenAIEmbedder(ctx, s.cfg.GenAIAPIKey, s.cfg.EmbeddingModel)
		if err != nil {
			return fmt.Errorf("failed to create embedding client: %w", err)
		}
		embedder = e
	default:
		embedder = similarity.NewHTTPEmbedder(s.cfg.EmbeddingURL, s.cfg.EmbeddingModel)
	}

	s.oracle = similarity.NewOracle(embedder,
		similarity.WithBreaker(s.breaker),
		similarity.WithTimeout(s.cfg.OracleTimeout),
	)
	s.logger.Info("similarity oracle configured", "embedder", embedder.Name())
	return nil
}

func (s *Server) initLock(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.locker = lock.NewLocal()
		return nil
	}
	rl, err := lock.NewRedis(ctx, s.cfg.RedisURL, cycleLockKey, 2*s.cfg.CycleInterval, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redisLock = rl
	s.locker = rl
	s.logger.Info("distributed cycle lock enabled", "key", cycleLockKey)
	return nil
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry(2 * time.Second)

	if s.db != nil {
		s.health.Register("database", true, health.Ping(s.db.PingContext))
	}
	if s.redisLock != nil {
		s.health.Register("cycle_lock", true, health.Ping(s.redisLock.Ping))
	}
	s.health.Register("similarity_oracle", false, health.Flag(s.oracle.Healthy, "circuit open"))
	if s.chain != nil {
		s.health.Register("ledger_rpc", false, health.Ping(s.chain.Ping))
	}
	s.health.Register("ledger_breaker", false, health.Flag(s.recorder.LedgerHealthy, "circuit open"))
	s.health.Register("ledger_backlog", false, health.Flag(func() bool {
		return s.recorder.Unsaved() == 0 && s.recorder.InFlight() == 0
	}, "escalations awaiting confirmation or local persistence"))
	s.health.Register("cycle_timer", false, health.Flag(s.timer.Running, "not running"))
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	admin := []gin.HandlerFunc{s.rateLimiter.Middleware(), security.RequireAdmin(s.cfg.AdminSecret)}

	v1 := s.router.Group("/v1")
	v1.POST("/events", s.ingestEvent)

	v1.POST("/analysis/run", append(admin, s.triggerAnalysis)...)
	v1.GET("/analysis/status", s.analysisStatus)

	v1.GET("/escalations", s.listEscalations)

	v1.GET("/users", s.listUsers)
	users := v1.Group("/users/:id", validation.UserIDParamMiddleware())
	users.GET("", s.getUser)
	users.GET("/escalations", s.listUserEscalations)
	users.POST("/reset", append(admin, s.resetUser)...)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdownTraces
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
			"cycle_interval", s.cfg.CycleInterval.String(),
			"threshold", s.cfg.Scoring.Threshold,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.timer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server. In-flight cycles are cancelled;
// users not yet evaluated are simply picked up by the next process.
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
			shutdownErr = err
		}
	}

	// cancel first so Stop does not wait out a whole cycle
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.timer.Stop()
	s.orch.Close()
	s.logger.Info("analysis stopped")

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.closeResources()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.redisLock != nil {
		if err := s.redisLock.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.chain != nil {
		s.chain.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
