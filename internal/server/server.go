// Package server wires the five control-plane subsystems into a single HTTP
// process: the gin router, middleware chain, and background sweep goroutines.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/Molam-git/molam-connect-sub010/internal/approval"
	"github.com/Molam-git/molam-connect-sub010/internal/config"
	"github.com/Molam-git/molam-connect-sub010/internal/eventbus"
	"github.com/Molam-git/molam-connect-sub010/internal/live"
	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/metrics"
	"github.com/Molam-git/molam-connect-sub010/internal/payout"
	"github.com/Molam-git/molam-connect-sub010/internal/risk"
	"github.com/Molam-git/molam-connect-sub010/internal/rollout"
	"github.com/Molam-git/molam-connect-sub010/internal/simulator"
	"github.com/Molam-git/molam-connect-sub010/internal/traces"
	"github.com/Molam-git/molam-connect-sub010/internal/ussd"
	"github.com/Molam-git/molam-connect-sub010/internal/validation"
)

// Server wires the USSD engine, payout orchestrator, rollout controller,
// approval workflow, and the simulator's admin surface behind one router.
// The simulator worker itself runs as a separate process (cmd/simulatorworker).
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	router  *gin.Engine
	httpSrv *http.Server

	bus *eventbus.Bus
	hub *live.Hub

	ussdEngine    *ussd.Engine
	orchestrator  *payout.Orchestrator
	rolloutCtrl   *rollout.Controller
	workflow      *approval.Workflow
	approvalTimer *approval.Timer
	simAdmin      *simulator.Admin

	rolloutSweepInterval time.Duration
	errorObserver        rollout.ErrorRateObserver
	tracerShutdown       func(context.Context) error

	cancelRun context.CancelFunc
	ready     atomic.Bool
}

// Option customizes a Server during construction.
type Option func(*Server)

// WithErrorObserver overrides the error-rate source the rollout auto-pause
// sweep consults. Defaults to a stand-in that never reports errors.
func WithErrorObserver(o rollout.ErrorRateObserver) Option {
	return func(s *Server) { s.errorObserver = o }
}

// New builds a Server from cfg, opening a database connection when
// DatabaseURL is set and falling back to in-memory stores otherwise.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, rolloutSweepInterval: cfg.RolloutSweepInterval}

	var (
		ussdStore     ussd.Store
		payoutStore   payout.Store
		rolloutStore  rollout.Store
		approvalStore approval.Store
		simStore      simulator.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		if err := db.PingContext(context.Background()); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		s.db = db

		pgUSSD := ussd.NewPostgresStore(db)
		pgPayout := payout.NewPostgresStore(db)
		pgRollout := rollout.NewPostgresStore(db)
		pgApproval := approval.NewPostgresStore(db)
		pgSim := simulator.NewPostgresStore(db)
		pgRisk := risk.NewPostgresStore(db) // owns the sira_recommendations schema

		ctx := context.Background()
		for _, m := range []interface{ Migrate(context.Context) error }{pgUSSD, pgPayout, pgRollout, pgApproval, pgSim, pgRisk} {
			if err := m.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}

		ussdStore, payoutStore, rolloutStore, approvalStore, simStore =
			pgUSSD, pgPayout, pgRollout, pgApproval, pgSim
		logger.Info("connected to postgres", "max_open_conns", cfg.DBMaxOpenConns)
	} else {
		ussdStore = ussd.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		rolloutStore = rollout.NewMemoryStore()
		approvalStore = approval.NewMemoryStore()
		simStore = simulator.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	tracerShutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing init failed, continuing without traces", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	s.bus = eventbus.New(eventbus.NopTransport{}, cfg.EventBusTimeout, logger)
	s.hub = live.NewHub(logger)

	riskEngine := risk.NewEngine()
	var oracle risk.Oracle = riskEngine
	if cfg.RiskOracleURL != "" {
		oracle = risk.NewHTTPClient(cfg.RiskOracleURL, cfg.RiskOracleTimeout, riskEngine)
	}

	s.ussdEngine = ussd.NewEngine(ussdStore, newDemoLedger(), ussd.NewStaticMenuText(), ussd.Config{
		SessionTimeout: cfg.USSDSessionTimeout,
		MaxPINAttempts: cfg.USSDMaxPINAttempts,
		LockDuration:   cfg.USSDLockDuration,
		DefaultCountry: cfg.USSDCountryDefault,
	})

	s.orchestrator = payout.NewOrchestrator(payoutStore, oracle, newDemoSellerDirectory())
	s.rolloutCtrl = rollout.NewController(rolloutStore, cfg.BackupRetention, s.hub)
	s.workflow = approval.NewWorkflow(approvalStore, newStaticPolicies(), noopActions{}, s.hub)
	s.approvalTimer = approval.NewTimer(s.workflow, approvalStore, s.bus, cfg.ApprovalExpirySweepInterval, logger)
	s.simAdmin = simulator.NewAdmin(simStore)
	s.errorObserver = zeroErrorObserver{}

	for _, opt := range opts {
		opt(s)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.GinMiddleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(callerRoleMiddleware())
}

// callerRoleMiddleware trusts upstream-terminated X-Caller-Role and
// X-Caller-ID headers, standing in for the real identity provider that
// authenticates operators before requests reach this service.
func callerRoleMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("callerRole", c.GetHeader("X-Caller-Role"))
		c.Set("callerID", c.GetHeader("X-Caller-ID"))
		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		ctx := logging.WithRequestID(c.Request.Context(), reqID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", reqID)
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
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) { s.hub.ServeWS(c.Writer, c.Request) })

	ussd.RegisterRoutes(s.router, s.ussdEngine)
	payout.RegisterRoutes(s.router, s.orchestrator)

	rolloutGroup := s.router.Group("")
	rolloutGroup.Use(func(c *gin.Context) {
		c.Set("rolloutErrorObserver", s.errorObserver)
		c.Next()
	})
	rollout.RegisterRoutes(rolloutGroup, s.rolloutCtrl)

	approval.RegisterRoutes(s.router, s.workflow)
	simulator.RegisterRoutes(s.router, s.simAdmin)
}

func (s *Server) healthHandler(c *gin.Context) {
	status := http.StatusOK
	if !s.ready.Load() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "ready": s.ready.Load()})
}

func generateRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		n, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
		return fmt.Sprintf("req-%d", n)
	}
	return hex.EncodeToString(buf)
}

// Run starts the HTTP listener and the background sweep goroutines, blocking
// until a shutdown signal, context cancellation, or listener error occurs.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.approvalTimer != nil {
		go s.approvalTimer.Start(runCtx)
	}
	go s.runRolloutSweep(runCtx)

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

// runRolloutSweep periodically pauses rollouts whose observed error rate has
// crossed the policy threshold, until runCtx is cancelled.
func (s *Server) runRolloutSweep(runCtx context.Context) {
	interval := s.rolloutSweepInterval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			s.safeRolloutSweep(runCtx)
		}
	}
}

func (s *Server) safeRolloutSweep(runCtx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in rollout auto-pause sweep", "panic", fmt.Sprint(r))
		}
	}()
	n, err := s.rolloutCtrl.AutoPauseSweep(runCtx, s.errorObserver)
	if err != nil {
		s.logger.Error("rollout auto-pause sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("rollout auto-pause sweep paused rollouts", "count", n)
	}
}

// Shutdown gracefully stops the HTTP listener and background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRun != nil {
		s.cancelRun()
	}

	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.approvalTimer != nil {
		s.approvalTimer.Stop()
	}
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}

	s.logger.Info("graceful shutdown complete")
	return nil
}
