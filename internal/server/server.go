// Package server wires the escrow service, its background jobs and the
// HTTP API together.
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

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/deposits"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/kv"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/multisig"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/respond"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	kv            kv.Store
	ledger        ledger.Client
	eth           *ethclient.Client // nil in simulated mode
	tokens        *ledger.Registry
	admins        *auth.AdminList
	notifier      *notify.Notifier
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	multisig      *multisig.Service
	monitor       *deposits.Monitor
	depositTimer  *deposits.Timer
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
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

// WithLedger sets the ledger client instead of building one from config
// (for testing).
func WithLedger(c ledger.Client) Option {
	return func(s *Server) {
		s.ledger = c
	}
}

// WithKV sets the shared key-value store (for testing).
func WithKV(store kv.Store) Option {
	return func(s *Server) {
		s.kv = store
	}
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

	shutdownTrace, err := traces.Init(ctx, traces.Settings{Endpoint: cfg.OTLPEndpoint, Version: Version}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupLedger(); err != nil {
		return nil, err
	}
	if err := s.setupServices(ctx); err != nil {
		return nil, err
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

// setupStorage opens Postgres when DATABASE_URL is set and the shared KV
// when REDIS_URL is set; otherwise both stay in memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
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
		s.health.Register("database", health.Ping("database", 2*time.Second, db.PingContext))
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.logger.Warn("no DATABASE_URL set, escrows are kept in memory")
	}

	if s.kv == nil {
		if s.cfg.RedisURL != "" {
			store, err := kv.NewRedis(s.cfg.RedisURL, "escrowd:")
			if err != nil {
				return fmt.Errorf("failed to configure redis: %w", err)
			}
			s.kv = store
			s.logger.Info("shared KV on redis", "url", maskDSN(s.cfg.RedisURL))
		} else {
			s.kv = kv.NewMemory()
		}
	}
	s.health.Register("kv", health.Ping("kv", 2*time.Second, s.kv.Ping))
	return nil
}

func (s *Server) setupLedger() error {
	tokens, err := ledger.ParseRegistry(s.cfg.Tokens)
	if err != nil {
		return fmt.Errorf("invalid TOKENS: %w", err)
	}
	s.tokens = tokens

	if s.ledger == nil {
		switch s.cfg.LedgerMode {
		case "evm":
			client, err := ethclient.Dial(s.cfg.RPCURL)
			if err != nil {
				return fmt.Errorf("failed to dial RPC: %w", err)
			}
			evm, err := ledger.NewEVM(client, s.cfg.ChainID, circuitbreaker.New(5, 30*time.Second))
			if err != nil {
				client.Close()
				return err
			}
			s.eth = client
			s.ledger = evm
			s.logger.Info("ledger on EVM RPC", "chainId", s.cfg.ChainID)
		default:
			s.ledger = ledger.NewSimulated(s.cfg.NetworkFee)
			s.logger.Warn("using simulated ledger, no funds move on chain")
		}
	}

	probe := tokens.Symbols()[0]
	s.health.Register("ledger", health.Ping("ledger", 5*time.Second, func(ctx context.Context) error {
		token, err := tokens.Lookup(probe)
		if err != nil {
			return err
		}
		_, err = s.ledger.Balance(ctx, "0x0000000000000000000000000000000000000000", token)
		return err
	}))
	return nil
}

func (s *Server) setupServices(ctx context.Context) error {
	cfg := s.cfg

	masterKey := cfg.CustodyMasterKey
	if masterKey == "" {
		masterKey = idgen.Hex(32)
		s.logger.Warn("no CUSTODY_MASTER_KEY set, using an ephemeral key; custody wallets die with the process")
	}
	vault, err := custody.NewVault(masterKey)
	if err != nil {
		return fmt.Errorf("invalid custody key: %w", err)
	}

	feeHandler, err := fees.New(fees.Config{
		PlatformFeeBPS: cfg.PlatformFeeBPS,
		MinGross:       cfg.FeeMinGross,
		NetworkFee:     cfg.NetworkFee,
		Reserve:        cfg.RentReserve,
		Treasury:       cfg.TreasuryWallet,
	})
	if err != nil {
		return fmt.Errorf("invalid fee config: %w", err)
	}

	sinks := notify.Multi{notify.NewLogSink(s.logger)}
	if cfg.NotifyWebhookURL != "" {
		if err := security.ValidateWebhookURL(ctx, cfg.NotifyWebhookURL, cfg.IsProduction(), nil); err != nil {
			return fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
		s.logger.Info("escrow webhooks enabled")
	}
	s.notifier = notify.NewNotifier(sinks, s.logger)

	var prober multisig.Prober = multisig.StaticRegistry{}
	if s.eth != nil {
		safe, err := multisig.NewSafeProber(s.eth)
		if err != nil {
			return err
		}
		prober = safe
	}
	detector := multisig.NewDetector(prober, s.kv, multisig.DefaultCacheTTL)

	var (
		escrowStore   escrow.Store   = escrow.NewMemoryStore()
		multisigStore multisig.Store = multisig.NewMemoryStore()
	)
	if s.db != nil {
		escrowStore = escrow.NewPostgresStore(s.db)
		multisigStore = multisig.NewPostgresStore(s.db)
	}

	s.multisig = multisig.NewService(multisigStore, detector, s.logger)
	s.admins = auth.NewAdminList(cfg.AdminWallets...)
	s.escrowService = escrow.NewService(escrowStore, s.ledger, s.tokens, vault, feeHandler, policyFromConfig(cfg)).
		WithAdmins(s.admins).
		WithNotifier(s.notifier).
		WithMultiSig(s.multisig).
		WithLogger(s.logger)
	s.multisig.SetExecutor(s.escrowService)

	s.escrowTimer = escrow.NewTimer(s.escrowService, s.multisig, cfg.TimeoutScanInterval, s.logger)
	s.monitor = deposits.NewMonitor(s.escrowService, s.ledger, s.tokens, s.logger).
		WithCache(s.kv, deposits.DefaultCacheTTL)
	s.depositTimer = deposits.NewTimer(s.monitor, cfg.DepositScanInterval, s.logger)

	s.logger.Info("escrow service ready",
		"tokens", s.tokens.Symbols(),
		"feeBps", cfg.PlatformFeeBPS,
		"admins", len(cfg.AdminWallets),
		"fundedTimeout", cfg.TimeoutFundedPolicy,
	)
	return nil
}

func policyFromConfig(cfg *config.Config) escrow.Policy {
	p := escrow.DefaultPolicy()
	p.MinTimeout = time.Duration(cfg.MinTimeoutHours) * time.Hour
	p.MaxTimeout = time.Duration(cfg.MaxTimeoutHours) * time.Hour
	p.DefaultTimeout = time.Duration(cfg.DefaultTimeoutHours) * time.Hour
	p.FundedPolicy = escrow.FundedPolicy(cfg.TimeoutFundedPolicy)
	p.Grace = cfg.TimeoutGrace
	p.ConfirmTimeout = cfg.LedgerConfirmTimeout
	if cfg.ReleaseStaleAfter > 0 {
		p.StaleAfter = cfg.ReleaseStaleAfter
	}
	return p
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
		respond.Abort(c, errors.New("unexpected panic"))
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honour an upstream ID (load balancer, client retry).
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if w := auth.Wallet(c); w != "" {
			attrs = append(attrs, "wallet", w)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		Window:            time.Minute,
	}, s.kv)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(auth.NewVerifier(auth.DefaultMaxSkew)))
	v1.Use(s.rateLimiter.Middleware())
	v1.GET("/info", s.infoHandler)

	escrowHandler := escrow.NewHandler(s.escrowService)
	multisigHandler := multisig.NewHandler(s.multisig)
	depositHandler := deposits.NewHandler(s.monitor)

	escrowHandler.RegisterRoutes(v1)
	multisigHandler.RegisterRoutes(v1)
	depositHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	multisigHandler.RegisterProtectedRoutes(protected)
	depositHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.admins))
	escrowHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timers    map[string]bool `json:"timers"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:  status,
		Version: Version,
		Checks:  checks,
		Timers: map[string]bool{
			"escrow":   s.escrowTimer.Running(),
			"deposits": s.depositTimer.Running(),
		},
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

// infoHandler reports the public settlement parameters clients need before
// creating an escrow.
func (s *Server) infoHandler(c *gin.Context) {
	p := s.escrowService.Policy()
	respond.OK(c, http.StatusOK, gin.H{
		"version":         Version,
		"ledger":          s.cfg.LedgerMode,
		"tokens":          s.tokens.Symbols(),
		"platformFeeBps":  s.cfg.PlatformFeeBPS,
		"networkFee":      s.cfg.NetworkFee,
		"minTimeoutHours": int(p.MinTimeout.Hours()),
		"maxTimeoutHours": int(p.MaxTimeout.Hours()),
		"defaultTimeout":  int(p.DefaultTimeout.Hours()),
		"fundedTimeout":   p.FundedPolicy,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background jobs, and blocks until a
// signal, ctx ends or the listener fails.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "ledger", s.cfg.LedgerMode)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Pick up escrows left mid-settlement by a previous process before the
	// timers start competing for them.
	if n, err := s.escrowService.ResumeStale(runCtx); err != nil {
		s.logger.Warn("resume of stale releases failed", "error", err)
	} else if n > 0 {
		s.logger.Info("resumed stale releases", "count", n)
	}

	go s.escrowTimer.Start(runCtx)
	go s.depositTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Stop timers first so no new settlement starts while requests drain.
	s.escrowTimer.Stop()
	s.depositTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	// Deliver queued webhooks before the process exits.
	s.notifier.Flush()

	if err := s.shutdownTrace(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}
	if closer, ok := s.kv.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("kv close error", "error", err)
		}
	}
	if s.eth != nil {
		s.eth.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
