package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/erp/possync/internal/infrastructure/config"
	"github.com/erp/possync/internal/infrastructure/logger"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database holds the database connection and provides methods for database operations.
// A Database is constructed explicitly and passed to every component that needs it.
type Database struct {
	DB     *gorm.DB
	Driver string
}

// Options configures a database connection
type Options struct {
	Logger          *zap.Logger
	LogLevel        gormlogger.LogLevel
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewLocalDatabase opens the device's SQLite store
func NewLocalDatabase(cfg *config.DatabaseConfig, log *zap.Logger) (*Database, error) {
	return Open(DriverSQLite, cfg.DSN(), Options{
		Logger:       log,
		LogLevel:     gormlogger.Warn,
		MaxOpenConns: cfg.MaxOpenConns,
	})
}

// NewCentralDatabase opens the central server's store
func NewCentralDatabase(cfg *config.CentralDatabaseConfig, log *zap.Logger) (*Database, error) {
	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		dsn = config.SQLiteDSN(cfg.DSN, 5*time.Second)
	}
	return Open(cfg.Driver, dsn, Options{
		Logger:          log,
		LogLevel:        gormlogger.Warn,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
	})
}

// Open creates a new database connection for the given driver and DSN
func Open(driver, dsn string, opts Options) (*Database, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gl := gormlogger.Default.LogMode(gormlogger.Silent)
	if opts.Logger != nil {
		gl = logger.NewGormLogger(opts.Logger, opts.LogLevel, 200*time.Millisecond)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gl,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{DB: db, Driver: driver}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks if the database connection is alive
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Transaction executes a function within a database transaction.
// The callback must use tx for every statement.
func (d *Database) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.DB.WithContext(ctx).Transaction(fn)
}

// WithContext returns a session bound to ctx
func (d *Database) WithContext(ctx context.Context) *gorm.DB {
	return d.DB.WithContext(ctx)
}

// IsSQLite reports whether the connection uses the SQLite driver
func (d *Database) IsSQLite() bool {
	return d.Driver == DriverSQLite
}
