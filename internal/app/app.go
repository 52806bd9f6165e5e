package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"calendarauth-go/internal/auth"
	"calendarauth-go/internal/calendar"
	"calendarauth-go/internal/config"
	"calendarauth-go/internal/metrics"
	"calendarauth-go/internal/storage"
	"calendarauth-go/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const auditCleanupInterval = time.Hour

// Application holds all the major components of the service.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Auth          *auth.OAuthManager
	Pending       *auth.InMemoryPendingStore
	Calendar      calendar.EventCreator
	Audit         *storage.SQLiteStorage
	WorkerPool    *worker.WorkerPool
	HttpServer    *http.Server
	MetricsServer *http.Server

	loginLimiter *ipRateLimiter
	httpClient   *http.Client

	mu          sync.Mutex
	listeners   []net.Listener
	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
}

// Option customizes an Application before its components are wired.
type Option func(*Application)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Application) {
		if l != nil {
			a.Logger = l
		}
	}
}

// WithHTTPClient sets the client used for token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Application) {
		a.httpClient = c
	}
}

// WithEventCreator replaces the Microsoft Graph calendar client.
func WithEventCreator(ec calendar.EventCreator) Option {
	return func(a *Application) {
		a.Calendar = ec
	}
}

// New creates and initializes a new Application instance.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	app := &Application{
		Config: cfg,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(app)
	}
	logger := app.Logger

	// Setup: WorkerPool
	app.WorkerPool = worker.NewWorkerPool(cfg.Audit.NumWorkers,
		worker.WithQueueCapacity(cfg.Audit.QueueSize),
		worker.WithDeadLetterHandler(func(worker.Task) {
			metrics.AuditDropped.Inc()
			logger.Warn("audit task dead-lettered")
		}))

	// Setup: Audit log
	authOpts := []auth.Option{auth.WithLogger(logger.With("component", "auth"))}
	if cfg.Audit.DBPath != "" {
		dbCfg := storage.DefaultConfig()
		dbCfg.Path = cfg.Audit.DBPath
		audit, err := storage.OpenDatabase(context.Background(), dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		app.Audit = audit
		authOpts = append(authOpts, auth.WithFlowRecorder(&auditRecorder{
			store:  audit,
			pool:   app.WorkerPool,
			logger: logger,
		}))
	}

	// Setup: Auth Manager
	app.Pending = auth.NewInMemoryPendingStore(cfg.Auth.PendingTTL.Duration)
	oauthManager, err := auth.NewOAuthManager(auth.Config{
		ClientID:        cfg.Auth.ClientID,
		ClientSecret:    cfg.Auth.ClientSecret,
		TenantID:        cfg.Auth.TenantID,
		RedirectURL:     cfg.Auth.RedirectURI,
		AuthURL:         cfg.Auth.AuthorizeURL,
		TokenURL:        cfg.Auth.TokenURL,
		ExchangeTimeout: cfg.Auth.ExchangeTimeout.Duration,
		HTTPClient:      app.httpClient,
	}, app.Pending, authOpts...)
	if err != nil {
		app.closeAudit()
		return nil, fmt.Errorf("failed to create oauth manager: %w", err)
	}
	app.Auth = oauthManager

	// Setup: Calendar
	if app.Calendar == nil {
		app.Calendar = calendar.NewGraphClient(
			cfg.Calendar.GraphBaseURL,
			cfg.Calendar.DefaultTimeZone,
			&http.Client{Timeout: cfg.Calendar.Timeout.Duration},
		)
	}

	if cfg.Auth.LoginRateLimit > 0 {
		app.loginLimiter = newIPRateLimiter(cfg.Auth.LoginRateLimit, cfg.Auth.LoginRateBurst)
	}

	// Setup: HTTP Server for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	app.MetricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup: Main HTTP Server
	app.HttpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

// Routes returns the main handler with middleware applied.
func (a *Application) Routes() http.Handler {
	mux := http.NewServeMux()

	login := http.Handler(http.HandlerFunc(a.handleLogin))
	if a.loginLimiter != nil {
		login = a.rateLimit(a.loginLimiter, login)
	}
	mux.Handle("GET /auth/login", noStore(login))
	mux.Handle("GET /auth/callback", noStore(http.HandlerFunc(a.handleAuthCallback)))
	mux.HandleFunc("POST /appointments", a.handleCreateAppointment)
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	var handler http.Handler = mux
	if a.Config.Auth.FrontendURL != "" {
		handler = cors(a.Config.Auth.FrontendURL, handler)
	}
	handler = securityHeaders(handler)
	handler = a.logRequests(handler)
	return requestID(handler)
}

// Start begins the application's services. Listeners are bound before
// Start returns so that port conflicts surface as errors.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.Info("starting application services")

	httpLn, err := net.Listen("tcp", a.HttpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.HttpServer.Addr, err)
	}
	metricsLn, err := net.Listen("tcp", a.MetricsServer.Addr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.MetricsServer.Addr, err)
	}

	a.mu.Lock()
	a.listeners = []net.Listener{httpLn, metricsLn}
	a.mu.Unlock()

	// Start the worker pool
	a.WorkerPool.Start()
	a.Logger.Info("worker pool started", "workers", a.WorkerPool.Workers())

	// Start the sweeper
	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Lock()
	a.stopSweeper = cancel
	a.sweeperDone = make(chan struct{})
	a.mu.Unlock()
	go a.runSweeper(sweepCtx, a.sweeperDone)

	// Start the metrics server
	go a.serve(a.MetricsServer, metricsLn, "metrics")

	// Start the main HTTP server
	go a.serve(a.HttpServer, httpLn, "http")

	return nil
}

func (a *Application) serve(srv *http.Server, ln net.Listener, name string) {
	a.Logger.Info("server listening", "server", name, "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Logger.Error("server stopped unexpectedly", "server", name, "error", err)
	}
}

// Addr returns the bound address of the main HTTP server once started.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.listeners) == 0 {
		return ""
	}
	return a.listeners[0].Addr().String()
}

// Stop gracefully shuts down the application's services.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info("stopping application services")

	// Shutdown servers
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout.Duration)
	defer cancel()

	var errs []error
	if err := a.HttpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
	}

	// Stop the sweeper
	a.mu.Lock()
	stop, done := a.stopSweeper, a.sweeperDone
	a.stopSweeper = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	// Stop the worker pool, flushing queued audit events
	a.WorkerPool.Stop(shutdownCtx)
	a.Logger.Info("worker pool stopped")

	// Close the database connection
	if err := a.closeAudit(); err != nil {
		errs = append(errs, fmt.Errorf("closing audit database: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		a.Logger.Error("application stopped with errors", "error", err)
		return err
	}
	a.Logger.Info("application stopped gracefully")
	return nil
}

func (a *Application) closeAudit() error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.Close()
}

func (a *Application) runSweeper(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	interval := a.Config.Auth.SweepInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	cleanup := time.NewTicker(auditCleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			a.sweepPending(ctx)
		case <-cleanup.C:
			a.scheduleAuditCleanup()
		}
	}
}

// sweepPending drops expired verifiers, recording each as expired, and
// evicts idle login rate limiters.
func (a *Application) sweepPending(ctx context.Context) int {
	n := a.Auth.SweepExpired(ctx)
	if n > 0 {
		a.Logger.Debug("expired pending authorizations removed", "count", n)
	}
	if a.loginLimiter != nil {
		a.loginLimiter.evictIdle()
	}
	return n
}

func (a *Application) scheduleAuditCleanup() bool {
	if a.Audit == nil {
		return false
	}
	retention := a.Config.Audit.Retention.Duration
	return a.WorkerPool.Submit(worker.TaskFunc(func(ctx context.Context) error {
		n, err := a.Audit.CleanupEvents(ctx, retention)
		if err != nil {
			a.Logger.Error("audit cleanup failed", "error", err)
			return err
		}
		if n > 0 {
			a.Logger.Info("audit events removed", "count", n, "retention", retention.String())
		}
		return nil
	}))
}

// auditRecorder writes flow transitions to the audit log through the
// worker pool so that handlers never wait on disk.
type auditRecorder struct {
	store  *storage.SQLiteStorage
	pool   *worker.WorkerPool
	logger *slog.Logger
}

func (r *auditRecorder) RecordFlow(ctx context.Context, state string, status auth.FlowStatus, detail string) {
	event := storage.AuditEvent{
		StateHash: storage.HashState(state),
		Status:    string(status),
		Detail:    detail,
		RequestID: requestIDFromContext(ctx),
		CreatedAt: time.Now(),
	}
	ok := r.pool.Submit(worker.TaskFunc(func(ctx context.Context) error {
		return r.store.RecordEvent(ctx, event)
	}))
	if !ok {
		metrics.AuditDropped.Inc()
		r.logger.WarnContext(ctx, "audit queue full, event dropped", "status", string(status))
	}
}
