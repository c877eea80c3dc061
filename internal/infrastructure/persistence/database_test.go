package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/erp/possync/internal/infrastructure/config"
)

// newMockDatabase creates a Database instance with a mocked SQL connection
func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	// gorm pings once while opening
	mock.ExpectPing()

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return &Database{DB: gormDB, Driver: DriverPostgres}, mock, mockDB
}

func TestDatabase_Ping(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()

	mock.ExpectPing()
	require.NoError(t, db.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, db.IsSQLite())
}

func TestDatabase_Transaction(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "central_records" SET "active"=\$1`).
		WithArgs(false).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec(`UPDATE "central_records" SET "active"=$1`, false).Error
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabase_Close(t *testing.T) {
	db, mock, _ := newMockDatabase(t)

	mock.ExpectClose()
	require.NoError(t, db.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen(t *testing.T) {
	t.Run("opens local sqlite store", func(t *testing.T) {
		cfg := &config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "pos.db"), MaxOpenConns: 2}
		db, err := NewLocalDatabase(cfg, zap.NewNop())
		require.NoError(t, err)
		defer db.Close()

		assert.True(t, db.IsSQLite())
		assert.NoError(t, db.Ping(context.Background()))
	})

	t.Run("rejects unknown driver", func(t *testing.T) {
		_, err := Open("mysql", "dsn", Options{})
		assert.ErrorContains(t, err, "unsupported database driver")
	})
}
