package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/config"
	"github.com/organmatch/organmatch/internal/domain/deathconfirm"
	"github.com/organmatch/organmatch/internal/domain/emergency"
	"github.com/organmatch/organmatch/internal/domain/matching"
	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/attestation"
	"github.com/organmatch/organmatch/internal/platform/auth"
	"github.com/organmatch/organmatch/internal/platform/db"
	"github.com/organmatch/organmatch/internal/platform/ledger"
	"github.com/organmatch/organmatch/internal/platform/lock"
	"github.com/organmatch/organmatch/internal/platform/metrics"
	"github.com/organmatch/organmatch/internal/platform/middleware"
	"github.com/organmatch/organmatch/internal/platform/notification"
	"github.com/organmatch/organmatch/internal/platform/reporting"
	"github.com/organmatch/organmatch/internal/platform/sandbox"
	"github.com/organmatch/organmatch/internal/platform/webhook"
	"github.com/organmatch/organmatch/internal/platform/websocket"
)

const version = "0.1.0"

// stores groups the persistence backends picked by STORE.
type stores struct {
	registry      registry.Store
	matches       matching.Store
	rejected      matching.RejectedPairLedger
	notifications notification.Store
	elevations    emergency.Repository
	tx            db.TxRunner
}

func memoryStores() stores {
	matches := matching.NewMemoryStore()
	return stores{
		registry:      registry.NewMemoryStore(),
		matches:       matches,
		rejected:      matches,
		notifications: notification.NewMemoryStore(),
		elevations:    emergency.NewMemoryRepo(),
	}
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		registry:      registry.NewStorePG(pool),
		matches:       matching.NewStorePG(pool),
		rejected:      matching.NewRejectedPairsPG(pool),
		notifications: notification.NewStorePG(pool),
		elevations:    emergency.NewRepoPG(pool),
		tx:            db.NewTxRunner(pool),
	}
}

// app is the fully wired server.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	echo       *echo.Echo
	stores     stores
	ledger     *ledger.Ledger
	hub        *websocket.Hub
	dispatcher *notification.Dispatcher
	matching   *matching.Service

	pool    *pgxpool.Pool
	redis   *redis.Client
	worker  *notification.Worker
	async   *notification.AsyncEnqueuer
	closers []func()
}

// newApp opens every backend named by cfg and registers all routes. The
// returned app does no background work until Start.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Database
	if cfg.Store == config.StorePostgres {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, a.pool.Close)
		a.stores = postgresStores(a.pool)
		logger.Info().Msg("connected to database")
	} else {
		a.stores = memoryStores()
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	}

	// Redis backs the cross-process locks and the notification queue.
	var locker lock.Locker = lock.NewKeyedMutex()
	var redisOpt asynq.RedisConnOpt
	if cfg.UsesRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		locker = lock.NewRedisLocker(a.redis)
		redisOpt, err = asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL for queue: %w", err)
		}
	}

	// Ledger
	ledgerOpts := []ledger.Option{ledger.WithLogger(logger), ledger.WithPollInterval(cfg.LedgerPollInterval)}
	if cfg.LedgerPath == "" {
		a.ledger = ledger.NewMemory(ledgerOpts...)
	} else {
		a.ledger, err = ledger.OpenLevelDB(cfg.LedgerPath, ledgerOpts...)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
	}
	a.closers = append(a.closers, func() { _ = a.ledger.Close() })

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	// Notifications
	a.hub = websocket.NewHub(logger)
	var transport notification.Transport = &notification.RoutingTransport{
		Webhooks: webhook.NewSender(cfg.WebhookSecret),
		Inbox:    a.hub,
	}
	if cfg.NotifyTransport == config.TransportLog {
		transport = notification.LogTransport{Logger: logger}
	}
	a.dispatcher = notification.NewDispatcher(a.stores.notifications, matching.NewPartyDirectory(a.stores.registry), transport,
		notification.WithRetryPolicy(retryPolicy(cfg)),
		notification.WithLogger(logger),
		notification.WithMetrics(m),
	)
	if cfg.UsesRedis() && cfg.Store == config.StorePostgres {
		queue := notification.NewTaskEnqueuer(redisOpt, logger)
		a.closers = append(a.closers, func() { _ = queue.Close() })
		a.dispatcher.SetEnqueuer(queue)
		a.worker = notification.NewWorker(redisOpt, a.dispatcher, cfg.WorkerConcurrency, logger)
	} else {
		a.async = notification.NewAsyncEnqueuer(context.WithoutCancel(ctx), a.dispatcher.Deliver, logger)
		a.dispatcher.SetEnqueuer(a.async)
	}

	// Matching
	boosts := emergency.NewResolver(a.stores.elevations, boostTable(cfg), logger)
	ranker := matching.NewRanker(a.stores.registry, a.stores.matches, a.stores.rejected, boosts, matching.RankerConfig{
		MinScore:      cfg.MatchMinScore,
		TopN:          cfg.MatchTopN,
		MaxDistanceKM: cfg.MatchMaxDistanceKM,
		Workers:       cfg.ScoringWorkers,
	}, logger, m)
	a.matching = matching.NewService(matching.Deps{
		Registry: a.stores.registry,
		Store:    a.stores.matches,
		Rejected: a.stores.rejected,
		Ranker:   ranker,
		Locker:   locker,
		Tx:       a.stores.tx,
		Ledger:   a.ledger,
		Notifier: a.dispatcher,
		Logger:   logger,
		Metrics:  m,
	})
	matching.NewSubscriber(a.matching, logger).Register(a.ledger)

	deaths := deathconfirm.NewService(a.stores.registry,
		attestation.NewJWTVerifier(deathconfirm.HospitalKeys(a.stores.registry)),
		ranker, a.matching, a.ledger, cfg.DeathConfirmDeadline, logger, m)
	elevations := emergency.NewService(a.stores.elevations, logger)

	a.echo = a.routes(m, deaths, elevations)
	return a, nil
}

func (a *app) routes(m *metrics.Metrics, deaths *deathconfirm.Service, elevations *emergency.Service) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevActorHeader},
	}))
	if m != nil {
		e.Use(m.Middleware())
		e.GET("/metrics", m.Handler())
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	checks := map[string]db.Check{}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	e.GET("/health/ready", db.HealthHandler(a.pool, checks))

	// Auth middleware
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	apiV1 := e.Group("/api/v1", authMW,
		middleware.Audit(logger),
		middleware.RateLimit(middleware.DefaultRateLimitConfig()),
		middleware.RequestTimeout(cfg.DeathConfirmDeadline+5*time.Second),
	)

	registry.NewHandler(a.stores.registry).RegisterRoutes(apiV1)
	matching.NewHandler(a.matching).RegisterRoutes(apiV1)
	deathconfirm.NewHandler(deaths).RegisterRoutes(apiV1)
	emergency.NewHandler(elevations).RegisterRoutes(apiV1)
	notification.NewHandler(a.dispatcher).RegisterRoutes(apiV1)
	ledger.NewHandler(a.ledger).RegisterRoutes(apiV1)

	var reports reporting.Querier
	if a.pool != nil {
		reports = a.pool
	}
	reporting.NewHandler(reports).RegisterRoutes(apiV1)

	if cfg.IsDev() {
		sandboxGroup := apiV1.Group("/sandbox", auth.RequireRole(auth.RoleCoordinator))
		sandbox.NewSeedHandler(a.stores.registry).RegisterRoutes(sandboxGroup)
	}

	// Live inboxes
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(e.Group("", authMW))

	return e
}

// Start launches ledger delivery and, when Redis is configured, the
// notification worker. Both stop when ctx is cancelled or Close is called.
func (a *app) Start(ctx context.Context) {
	go func() {
		if err := a.ledger.Run(ctx); err != nil {
			a.logger.Error().Err(err).Msg("ledger stopped")
		}
	}()
	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			a.logger.Error().Err(err).Msg("notification worker failed to start")
			return
		}
		a.logger.Info().Int("concurrency", a.cfg.WorkerConcurrency).Msg("notification worker started")
	}
}

// Close stops background delivery and releases backends in reverse order.
func (a *app) Close() {
	if a.worker != nil {
		a.worker.Shutdown()
	}
	if a.async != nil {
		a.async.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func retryPolicy(cfg *config.Config) notification.RetryPolicy {
	p := notification.DefaultRetryPolicy
	if cfg.NotifyMaxAttempts > 0 {
		p.MaxAttempts = cfg.NotifyMaxAttempts
	}
	if cfg.NotifyBaseBackoff > 0 {
		p.BaseDelay = cfg.NotifyBaseBackoff
	}
	if cfg.NotifyMaxBackoff > 0 {
		p.MaxDelay = cfg.NotifyMaxBackoff
	}
	return p
}

func boostTable(cfg *config.Config) emergency.Boosts {
	return emergency.Boosts{
		Urgency: map[registry.Urgency]float64{
			registry.UrgencyUrgent:   cfg.BoostUrgent,
			registry.UrgencyCritical: cfg.BoostCritical,
		},
		Elevation: map[emergency.Level]float64{
			emergency.LevelLow:      cfg.BoostElevationLow,
			emergency.LevelMedium:   cfg.BoostElevationMedium,
			emergency.LevelHigh:     cfg.BoostElevationHigh,
			emergency.LevelCritical: cfg.BoostElevationCritical,
		},
	}
}
