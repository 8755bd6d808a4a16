package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierflow/dispatch/internal/assignments"
	"github.com/courierflow/dispatch/internal/distance"
	"github.com/courierflow/dispatch/internal/drafts"
	"github.com/courierflow/dispatch/internal/drivers"
	"github.com/courierflow/dispatch/internal/geo"
	"github.com/courierflow/dispatch/internal/matching"
	"github.com/courierflow/dispatch/internal/orders"
	"github.com/courierflow/dispatch/internal/regions"
	"github.com/courierflow/dispatch/internal/routing"
	"github.com/courierflow/dispatch/internal/scheduler"
	"github.com/courierflow/dispatch/internal/solver"
	"github.com/courierflow/dispatch/internal/timewindows"
	"github.com/courierflow/dispatch/pkg/async"
	"github.com/courierflow/dispatch/pkg/cache"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/database"
	"github.com/courierflow/dispatch/pkg/errors"
	"github.com/courierflow/dispatch/pkg/eventbus"
	"github.com/courierflow/dispatch/pkg/health"
	"github.com/courierflow/dispatch/pkg/jwtkeys"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/middleware"
	"github.com/courierflow/dispatch/pkg/ratelimit"
	redisclient "github.com/courierflow/dispatch/pkg/redis"
	"github.com/courierflow/dispatch/pkg/resilience"
	"github.com/courierflow/dispatch/pkg/swagger"
	"github.com/courierflow/dispatch/pkg/tracing"
	ws "github.com/courierflow/dispatch/pkg/websocket"
	"go.uber.org/zap"
)

const (
	serviceName = "dispatch-service"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	defer cfg.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting dispatch service",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	// Initialize Sentry for error tracking
	sentryConfig := errors.DefaultSentryConfig()
	sentryConfig.ServerName = serviceName
	sentryConfig.Release = version
	if err := errors.InitSentry(sentryConfig); err != nil {
		logger.Warn("Failed to initialize Sentry, continuing without error tracking", zap.Error(err))
	} else {
		defer errors.Flush(2 * time.Second)
		logger.Info("Sentry error tracking initialized successfully")
	}

	// Initialize OpenTelemetry tracer
	tracerEnabled := os.Getenv("OTEL_ENABLED") == "true"
	if tracerEnabled {
		tracerCfg := tracing.Config{
			ServiceName:    os.Getenv("OTEL_SERVICE_NAME"),
			ServiceVersion: os.Getenv("OTEL_SERVICE_VERSION"),
			Environment:    cfg.Server.Environment,
			OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Enabled:        true,
		}

		tp, err := tracing.InitTracer(tracerCfg, logger.Get())
		if err != nil {
			logger.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to shutdown tracer", zap.Error(err))
				}
			}()
			logger.Info("OpenTelemetry tracing initialized successfully")
		}
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)
	logger.Info("Connected to database")

	if os.Getenv("DB_AUTO_MIGRATE") != "false" {
		if err := database.RunMigrations(&cfg.Database); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Database schema up to date")
	}

	redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}()
	logger.Info("Connected to Redis")

	var bus *eventbus.Bus
	if cfg.NATS.Enabled {
		bus, err = eventbus.New(eventbus.Config{
			URL:        cfg.NATS.URL,
			Name:       serviceName,
			StreamName: cfg.NATS.StreamName,
		})
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer bus.Close()
	} else {
		logger.Warn("NATS disabled, events will not be published")
	}

	hub := ws.NewHub()
	go hub.Run()
	logger.Info("WebSocket hub started")

	// Distance oracle: L1 cache -> Postgres grid cache -> road-network provider,
	// behind a circuit breaker.
	var roadBreaker *resilience.CircuitBreaker
	if cfg.Resilience.CircuitBreaker.Enabled {
		breakerCfg := cfg.Resilience.CircuitBreaker.SettingsFor("road-network")
		roadBreaker = resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "road-network",
			Interval:         time.Duration(breakerCfg.IntervalSeconds) * time.Second,
			Timeout:          time.Duration(breakerCfg.TimeoutSeconds) * time.Second,
			FailureThreshold: uint32(breakerCfg.FailureThreshold),
			SuccessThreshold: uint32(breakerCfg.SuccessThreshold),
		}, nil)
		logger.Info("Circuit breaker configured for road-network provider",
			zap.Int("failure_threshold", breakerCfg.FailureThreshold),
			zap.Int("timeout_seconds", breakerCfg.TimeoutSeconds),
		)
	}
	provider := distance.NewOSRMProvider(cfg.Distance.ProviderBaseURL, cfg.Distance.ProviderTimeout())
	distanceRepo := distance.NewRepository(db)
	oracle := distance.NewOracle(provider, distanceRepo, roadBreaker, cfg.Distance)
	logger.Info("Distance oracle ready",
		zap.String("provider", cfg.Distance.ProviderBaseURL),
		zap.String("profile", cfg.Distance.Profile),
	)

	// Route construction degrades transient provider failures to straight-line
	// legs instead of halting a draft.
	routeOracle := routing.NewFallbackOracle(oracle)
	builder := routing.NewBuilder(routeOracle)
	orchestrator := solver.NewOrchestrator(builder, routeOracle, cfg.Solver)
	// Drivers beyond the great-circle pre-filter of every region centroid
	// sit a round out rather than generating hopeless provider pairs.
	partitioner := regions.NewPartitioner(cfg.Regions).WithRangeLimit(oracle.WithinPreFilter)

	geoService := geo.NewService(redisClient)
	locationBuffer := geo.NewLocationBuffer(redisClient, geo.DefaultLocationBufferConfig())
	defer locationBuffer.Stop()
	geoService.SetLocationBuffer(locationBuffer)
	ordersRepo := orders.NewRepository(db)
	driversRepo := drivers.NewRepository(db)
	assignmentsRepo := assignments.NewRepository(db)
	draftsRepo := drafts.NewRepository(db)
	windowsService := timewindows.NewService(timewindows.NewRepository(db), redisClient, cfg.TimeWindows)

	jwtProvider, err := jwtkeys.NewManagerFromConfig(rootCtx, cfg.JWT, false)
	if err != nil {
		logger.Fatal("Failed to initialize JWT key manager", zap.Error(err))
	}
	jwtProvider.StartAutoRotation(rootCtx)

	// The typed-nil guard matters: the services skip publishing only when the
	// interface itself is nil.
	var (
		ordersBus  orders.Publisher
		driversBus drivers.Publisher
		assignBus  assignments.Publisher
		matchBus   matching.Publisher
		matchSub   matching.Subscriber
	)
	if bus != nil {
		ordersBus = bus
		driversBus = bus
		assignBus = bus
		matchBus = bus
		matchSub = bus
	}

	trigger := matching.NewTrigger(cfg.Matching.TriggerQueueSize)

	cacheManager := cache.NewManager(redisClient)

	assignmentsService := assignments.NewService(assignmentsRepo, assignBus, trigger)
	assignmentsService.SetCache(cacheManager)
	ordersService := orders.NewService(ordersRepo, ordersBus, trigger)
	driversService := drivers.NewService(driversRepo, assignmentsRepo, ordersRepo, geoService, builder, driversBus, jwtProvider, cfg.JWT.Expiration)
	driversService.SetCache(cacheManager)

	matchingService := matching.NewService(matching.Deps{
		Orders:     ordersRepo,
		Fleet:      driversRepo,
		Offers:     assignmentsRepo,
		Responder:  assignmentsService,
		Drafts:     draftsRepo,
		Generator:  orchestrator,
		Splitter:   partitioner,
		Windows:    windowsService,
		Hub:        hub,
		Bus:        matchBus,
		Subscriber: matchSub,
		Trigger:    trigger,
	}, cfg.Matching)
	if err := matchingService.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start matching service", zap.Error(err))
	}

	maintenance := scheduler.NewWorker(distanceRepo, driversRepo)
	async.Go(rootCtx, "storage-maintenance", maintenance.Run)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryWithSentry())
	router.Use(middleware.SentryMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestTimeout(&cfg.Timeout))
	router.Use(middleware.RequestLogger(serviceName))
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.SanitizeRequest())
	router.Use(middleware.Idempotency(redisClient))
	router.Use(middleware.Metrics(serviceName))

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
		router.Use(middleware.RateLimit(limiter, cfg.RateLimit))
	}

	if tracerEnabled {
		router.Use(middleware.TracingMiddleware(serviceName))
	}

	router.Use(middleware.ErrorHandler())

	router.GET("/healthz", common.HealthCheck(serviceName, version))
	router.GET("/health/live", common.LivenessProbe(serviceName, version))

	healthChecks := map[string]func() error{
		"database": health.PoolChecker(db, 2*time.Second),
		"redis":    health.RedisChecker(redisClient.Client, 2*time.Second),
	}
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, healthChecks))

	deepChecker := health.NewDeepChecker(health.DeepCheckerConfig{
		Version:  version,
		Timeout:  5 * time.Second,
		CacheTTL: 10 * time.Second,
	})
	deepChecker.SetDatabase(db)
	deepChecker.SetRedis(redisClient.Client)
	if roadBreaker != nil {
		deepChecker.AddCircuitBreaker("road-network", roadBreaker)
	}
	deepChecker.AddEndpoint("distance-provider", cfg.Distance.ProviderBaseURL+"/health")
	router.GET("/health/deep", func(c *gin.Context) {
		status := deepChecker.Check(c.Request.Context())
		code := http.StatusOK
		if status.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": serviceName,
			"version": version,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	swagger.RegisterRoutes(router)

	router.GET("/api/v1/ws", func(c *gin.Context) {
		ws.HandleWebSocket(c, hub, jwtProvider)
	})

	orders.NewHandler(ordersService).RegisterRoutes(router)
	drivers.NewHandler(driversService).RegisterRoutes(router, jwtProvider)
	assignments.NewHandler(assignmentsService).RegisterRoutes(router, jwtProvider)
	matching.NewHandler(matchingService).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
