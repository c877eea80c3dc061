// Command central runs the reference central server the POS devices
// synchronize with.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/cache"
	"github.com/erp/possync/internal/infrastructure/config"
	"github.com/erp/possync/internal/infrastructure/logger"
	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/telemetry"
	"github.com/erp/possync/internal/interfaces/http/middleware"
	"github.com/erp/possync/internal/interfaces/http/router"
)

//	@title			POS Sync Central API
//	@version		1.0
//	@description	Reference server the POS devices synchronize with.
//	@BasePath		/api/v1

func main() {
	configPath := flag.String("config", "", "config file (default: ./config.toml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting central server",
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.Central.Port),
		zap.String("driver", cfg.Central.Database.Driver),
	)
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	tp, err := telemetry.NewProvider(context.Background(), telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName + "-central",
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	lp, err := telemetry.NewLoggerProvider(context.Background(), telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName + "-central",
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize log export", zap.Error(err))
	}
	log = lp.Bridge(log, "possync-central")

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilingEnabled,
		ServerAddress:   cfg.Telemetry.ProfilingServerAddress,
		ApplicationName: cfg.Telemetry.ServiceName + "-central",
		ProfileTypes:    cfg.Telemetry.ProfilingTypes,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if profiler.IsEnabled() {
		tp.EnableSpanProfiles()
	}

	db, err := persistence.NewCentralDatabase(&cfg.Central.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		if err := telemetry.InstrumentGorm(db.DB, cfg.Central.Database.Driver); err != nil {
			log.Warn("Failed to instrument database", zap.Error(err))
		}
	}

	records := persistence.NewCentralRecordRepository(db.DB)
	if err := records.AutoMigrate(context.Background()); err != nil {
		log.Fatal("Failed to migrate central store", zap.Error(err))
	}

	idemStore, err := cache.NewIdempotencyStoreFactory(cfg.Central.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	).CreateStore()
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}
	defer func() {
		_ = idemStore.Close()
	}()

	engine := router.NewCentralEngine(router.Deps{
		Store:       records,
		Stats:       records,
		Idempotency: idemStore,
		IdemConfig: shared.IdempotencyConfig{
			TTL:     cfg.Central.IdempotencyTTL,
			Enabled: true,
		},
		Logger: log,
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName + "-central",
			Enabled:     tp.IsEnabled(),
		},
		RequestTimeout: 30 * time.Second,
		Swagger: middleware.SwaggerConfig{
			Enabled:    cfg.Central.SwaggerEnabled,
			AllowedIPs: cfg.Central.SwaggerAllowedIPs,
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Central.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Error("Telemetry shutdown failed", zap.Error(err))
	}
	if err := profiler.Stop(); err != nil {
		log.Error("Profiler shutdown failed", zap.Error(err))
	}
	if err := lp.Shutdown(ctx); err != nil {
		log.Error("Log export shutdown failed", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
