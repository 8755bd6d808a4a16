package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/internal/observations"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/eventbus"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/middleware"
)

const (
	serviceName = "observer-service"
	version     = "1.0.0"

	// The stats reader aggregates the trailing 90 days; anything older is
	// unreachable and gets pruned.
	retentionWindow = 90 * 24 * time.Hour
	pruneInterval   = 24 * time.Hour
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	defer cfg.Close()

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting observer service",
		zap.String("service", serviceName),
		zap.String("version", version),
	)

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}
	logger.Info("Connected to database")

	if !cfg.NATS.Enabled {
		logger.Fatal("Observer requires NATS; set NATS_ENABLED=true")
	}
	bus, err := eventbus.New(eventbus.Config{
		URL:        cfg.NATS.URL,
		Name:       serviceName,
		StreamName: cfg.NATS.StreamName,
	})
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer bus.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := observations.NewConsumer(observations.NewRepository(db))
	if err := consumer.Start(rootCtx, bus); err != nil {
		logger.Fatal("Failed to start observation consumer", zap.Error(err))
	}
	logger.Info("Observation consumer started")

	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if _, err := consumer.Prune(rootCtx, retentionWindow); err != nil {
					logger.Error("Observation prune failed", zap.Error(err))
				}
			}
		}
	}()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.GET("/healthz", common.HealthCheck(serviceName, version))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
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

	logger.Info("Shutting down observer...")
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Observer stopped")
}
