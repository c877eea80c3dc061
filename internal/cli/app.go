package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/erp/possync/internal/infrastructure/config"
	"github.com/erp/possync/internal/infrastructure/logger"
	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/schema"
	"github.com/erp/possync/internal/infrastructure/telemetry"
)

// app holds what every command that touches the local store needs
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *persistence.Database
	migrator  *schema.Migrator
	telemetry *telemetry.Provider
	logs      *telemetry.LoggerProvider
}

func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	logCfg := &logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	// stdout carries command output
	if logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log = log.With(zap.String("device_id", cfg.App.DeviceID))

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize log export: %w", err)
	}
	log = lp.Bridge(log, "possync")

	db, err := persistence.NewLocalDatabase(&cfg.Database, log)
	if err != nil {
		_ = lp.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		if err := telemetry.InstrumentGorm(db.DB, "sqlite"); err != nil {
			log.Warn("Failed to instrument local store", zap.Error(err))
		}
	}

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		migrator:  schema.NewMigrator(db, log),
		telemetry: tp,
		logs:      lp,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.db.Close(); err != nil {
		a.log.Warn("Failed to close local store", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.log.Warn("Failed to flush telemetry", zap.Error(err))
	}
	_ = a.log.Sync()
	_ = a.logs.Shutdown(ctx)
}

// withApp opens the app for the duration of fn
func withApp(ctx context.Context, opts *RootOptions, fn func(a *app) error) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(a)
}

// prepareStore checks the local store for backup anomalies, then migrates
// it. Anomalies are only reported here; `backup repair` snapshots first.
func (a *app) prepareStore(ctx context.Context) error {
	report, err := newDetector(a).Detect(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect local store: %w", err)
	}
	if report.NeedsRecovery && !report.Fresh() {
		a.log.Warn("Stale backup detected at startup, run `possync backup repair` to snapshot the store before it is migrated",
			zap.Bool("missing_change_log", report.MissingChangeLog),
			zap.Strings("missing_tables", report.MissingTables),
			zap.Any("missing_columns", report.MissingColumns),
			zap.Any("unsynced_rows", report.UnsyncedRows),
		)
	}
	if _, err := a.migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate local store: %w", err)
	}
	return nil
}
