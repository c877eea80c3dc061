package schema

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Versioned applies the embedded, numbered SQL migrations using golang-migrate
type Versioned struct {
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewVersioned creates a versioned migrator on an open SQLite handle.
// The handle stays owned by the caller; Versioned never closes it.
func NewVersioned(db *sql.DB, logger *zap.Logger) (*Versioned, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite3 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &Versioned{migrate: m, logger: logger}, nil
}

// Up runs all pending migrations. Returns true if anything was applied.
func (v *Versioned) Up() (bool, error) {
	err := v.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		v.logger.Debug("No migrations to apply")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := v.Version()
	if err != nil {
		return true, err
	}
	v.logger.Info("Migrations completed",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return true, nil
}

// Version returns the current migration version (0 when none applied)
func (v *Versioned) Version() (uint, bool, error) {
	version, dirty, err := v.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Force sets the migration version without running migrations.
// Used to clear a dirty state left by an interrupted run.
func (v *Versioned) Force(version int) error {
	v.logger.Warn("Forcing migration version", zap.Int("version", version))
	if err := v.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}
