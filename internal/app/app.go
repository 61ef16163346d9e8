// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/incident-ledger/internal/cache"
	"github.com/bissquit/incident-ledger/internal/cache/memory"
	cacheredis "github.com/bissquit/incident-ledger/internal/cache/redis"
	"github.com/bissquit/incident-ledger/internal/config"
	"github.com/bissquit/incident-ledger/internal/idempotency"
	idempotencypostgres "github.com/bissquit/incident-ledger/internal/idempotency/postgres"
	"github.com/bissquit/incident-ledger/internal/identity"
	identitypostgres "github.com/bissquit/incident-ledger/internal/identity/postgres"
	"github.com/bissquit/incident-ledger/internal/incidents"
	incidentspostgres "github.com/bissquit/incident-ledger/internal/incidents/postgres"
	"github.com/bissquit/incident-ledger/internal/pkg/ctxlog"
	"github.com/bissquit/incident-ledger/internal/pkg/httputil"
	"github.com/bissquit/incident-ledger/internal/pkg/metrics"
	"github.com/bissquit/incident-ledger/internal/pkg/postgres"
	"github.com/bissquit/incident-ledger/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	cache         *cache.Coordinator
	cacheCloser   io.Closer
	purger        *idempotency.Purger
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	app.cache, app.cacheCloser = newCache(cfg.Cache)
	logger.Info("cache configured", "driver", cfg.Cache.Driver, "ttl", cfg.Cache.TTL)

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter()
	if err != nil {
		_ = app.closeResources()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	if a.purger != nil {
		a.purger.Start()
		a.logger.Info("idempotency purge scheduled", "schedule", a.config.Idempotency.PurgeSchedule)
	}

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	if a.purger != nil {
		a.purger.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	a.metricsCancel()

	var err error
	if a.cacheCloser != nil {
		if cerr := a.cacheCloser.Close(); cerr != nil {
			err = fmt.Errorf("close cache: %w", cerr)
		}
	}
	a.db.Close()
	return err
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Cache returns the cache coordinator.
func (a *App) Cache() *cache.Coordinator {
	return a.cache
}

// newCache builds the coordinator for the configured driver. The closer is nil
// unless the backend holds connections.
func newCache(cfg config.CacheConfig) (*cache.Coordinator, io.Closer) {
	coordinatorCfg := cache.Config{TTL: cfg.TTL, OpTimeout: cfg.OpTimeout}

	switch cfg.Driver {
	case config.CacheDriverRedis:
		store := cacheredis.NewStore(cacheredis.NewClient(cacheredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
		return cache.NewCoordinator(store, coordinatorCfg), store
	case config.CacheDriverMemory:
		return cache.NewCoordinator(memory.NewStore(cfg.MemorySize, cfg.TTL), coordinatorCfg), nil
	default:
		return cache.NewCoordinator(nil, coordinatorCfg), nil
	}
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	requestTimeout := a.config.Server.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	ledger := idempotency.NewLedger(idempotencypostgres.NewRepository(a.db), idempotency.Config{
		TTL: a.config.Idempotency.TTL,
	})
	if a.config.Idempotency.PurgeSchedule != "" {
		purger, err := idempotency.NewPurger(ledger, a.config.Idempotency.PurgeSchedule)
		if err != nil {
			return nil, err
		}
		a.purger = purger
	}

	identityService := identity.NewService(identitypostgres.NewRepository(a.db))
	identityHandler := identity.NewHandler(identityService)

	incidentsRepo := incidentspostgres.NewRepository(a.db)
	incidentsService := incidents.NewService(
		incidentsRepo,
		incidentsRepo,
		identityService, // implements UserReader
		ledger,
		a.cache,
		incidents.Config{CacheTTL: a.config.Cache.TTL},
	)
	incidentsHandler := incidents.NewHandler(incidentsService)

	limiter := httputil.NewRateLimiter(a.config.RateLimit.RequestsPerMinute, time.Minute)

	r.Route("/api/v1", func(r chi.Router) {
		identityHandler.RegisterRoutes(r, limiter.Middleware)
		incidentsHandler.RegisterRoutes(r, limiter.Middleware)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

// readyzHandler fails only when the database is unreachable. A cache outage
// degrades reads to the database and is reported but not fatal.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if err := a.cache.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Warn("cache unavailable, serving reads from database", "error", err)
		httputil.Text(w, http.StatusOK, "OK (cache degraded)")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
