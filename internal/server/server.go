// Package server wires the HTTP server with all routes.
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

	"github.com/hirewire/hirewire/internal/config"
	"github.com/hirewire/hirewire/internal/contract"
	"github.com/hirewire/hirewire/internal/escrow"
	"github.com/hirewire/hirewire/internal/idgen"
	"github.com/hirewire/hirewire/internal/logging"
	"github.com/hirewire/hirewire/internal/metrics"
	"github.com/hirewire/hirewire/internal/payments"
	"github.com/hirewire/hirewire/internal/realtime"
	"github.com/hirewire/hirewire/internal/settlement"
	"github.com/hirewire/hirewire/internal/traces"
	"github.com/hirewire/hirewire/internal/wallet"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	contractSvc   *contract.Service
	ledger        *escrow.Ledger
	walletSvc     *wallet.Service
	settlementSvc *settlement.Service
	paymentsSvc   *payments.Service
	reconciler    *settlement.Reconciler
	hub           *realtime.Hub

	db           *sql.DB // nil if using in-memory storage
	router       *gin.Engine
	httpSrv      *http.Server
	tracesStop   func(context.Context) error
	cancelRunCtx context.CancelFunc

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		contractStore   contract.Store
		escrowStore     escrow.Store
		walletStore     wallet.Store
		settlementStore settlement.Store
	)

	// Postgres if DATABASE_URL is set, otherwise in-memory demo mode.
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
		contractStore = contract.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db, contractStore, escrowStore)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		contractStore = contract.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore(contractStore, escrowStore, walletStore)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.contractSvc = contract.NewService(contractStore)
	s.ledger = escrow.NewLedger(escrowStore, escrow.FixedBps(cfg.PlatformFeeBps))
	s.walletSvc = wallet.NewService(walletStore)
	s.hub = realtime.NewHub(s.logger)

	policy := settlement.RefundPolicy{
		StartedBps:        cfg.StartedRefundBps,
		OngoingBps:        cfg.OngoingRefundBps,
		CanceledPayoutBps: cfg.CanceledPayoutBps,
	}
	s.settlementSvc = settlement.NewService(settlementStore, policy, s.hub)
	s.reconciler = settlement.NewReconciler(settlementStore, s.logger)

	s.paymentsSvc = payments.NewService(s.contractSvc, s.ledger, payments.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:    cfg.CheckoutSuccessURL,
		CancelURL:     cfg.CheckoutCancelURL,
	}, s.hub)

	if cfg.OTLPEndpoint != "" {
		stop, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.tracesStop = stop
		}
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.identityMiddleware())
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

// identityMiddleware resolves the caller's user ID. The gateway in
// front of this service authenticates the session and forwards the
// identity in X-User-ID; handlers that need a caller reject requests
// where it is absent.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			c.Set("authUserID", userID)
		}
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

// adminAuthMiddleware guards the admin group with a shared secret.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access denied",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	contractHandler := contract.NewHandler(s.contractSvc)
	escrowHandler := escrow.NewHandler(s.ledger)
	walletHandler := wallet.NewHandler(s.walletSvc)
	settlementHandler := settlement.NewHandler(s.settlementSvc, s.reconciler)
	paymentsHandler := payments.NewHandler(s.paymentsSvc, s.cfg.StripeWebhookSecret)

	// Stripe calls this directly; the signature header authenticates it.
	paymentsHandler.RegisterWebhookRoutes(s.router)

	v1 := s.router.Group("/v1")
	contractHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)
	walletHandler.RegisterRoutes(v1)
	settlementHandler.RegisterRoutes(v1)
	paymentsHandler.RegisterRoutes(v1)

	v1.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request, c.GetString("authUserID"))
	})

	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	escrowHandler.RegisterAdminRoutes(admin)
	walletHandler.RegisterAdminRoutes(admin)
	settlementHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	status := http.StatusOK
	dbStatus := "disabled"
	if s.db != nil {
		dbStatus = "ok"
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			dbStatus = "error"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{
		"status":   http.StatusText(status),
		"database": dbStatus,
		"env":      s.cfg.Env,
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Run starts the server and blocks until shutdown.
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

	go s.hub.Run(runCtx)
	go s.reconciler.Start(runCtx)
	go s.sampleLedgerGauges(runCtx, 30*time.Second)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup.
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

// sampleLedgerGauges keeps the escrow liability and revenue gauges current.
func (s *Server) sampleLedgerGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if held, err := s.ledger.TotalHeld(ctx); err == nil {
				metrics.EscrowHeldCents.Set(float64(held))
			}
			if rev, err := s.ledger.TotalPlatformRevenue(ctx); err == nil {
				metrics.PlatformRevenueCents.Set(float64(rev))
			}
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	s.reconciler.Stop()

	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
