package syncing

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/possync/internal/application/reconcile"
	"github.com/erp/possync/internal/domain/catalog"
	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/cache"
	"github.com/erp/possync/internal/infrastructure/config"
	"github.com/erp/possync/internal/infrastructure/hybrid"
	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/remote"
	"github.com/erp/possync/internal/infrastructure/schema"
	"github.com/erp/possync/internal/interfaces/http/router"
)

func startCentral(t *testing.T) (*httptest.Server, *persistence.CentralRecordRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := persistence.Open(persistence.DriverSQLite,
		config.SQLiteDSN(filepath.Join(t.TempDir(), "central.db"), time.Second), persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := persistence.NewCentralRecordRepository(db.DB)
	require.NoError(t, repo.AutoMigrate(context.Background()))

	store := cache.NewInMemoryIdempotencyStore()
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(router.NewCentralEngine(router.Deps{
		Store:       repo,
		Stats:       repo,
		Idempotency: store,
		IdemConfig:  shared.DefaultIdempotencyConfig(),
	}))
	t.Cleanup(srv.Close)
	return srv, repo
}

type device struct {
	db    *persistence.Database
	repos *hybrid.Repositories
}

func openDevice(t *testing.T, dir, id, baseURL string) *device {
	t.Helper()
	db, err := persistence.Open(persistence.DriverSQLite,
		config.SQLiteDSN(filepath.Join(dir, id+".db"), time.Second), persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	migrator := schema.NewMigrator(db, nil)
	_, err = migrator.Migrate(context.Background())
	require.NoError(t, err)

	client := remote.NewClient(&config.RemoteConfig{
		BaseURL:       baseURL,
		Timeout:       2 * time.Second,
		HealthTimeout: time.Second,
	}, nil)
	return &device{db: db, repos: hybrid.NewRepositories(db, client, hybrid.Options{
		DeviceID:        id,
		Healer:          migrator,
		CollapsePending: true,
	})}
}

func (d *device) orchestrator(baseURL string) *Orchestrator {
	client := remote.NewClient(&config.RemoteConfig{BaseURL: baseURL, Timeout: 2 * time.Second, HealthTimeout: time.Second}, nil)
	return NewOrchestrator(d.repos, client, Options{
		AutoReconcileStock: true,
		Reconciler:         reconcile.NewStockPriceJob(d.db, client, nil),
	})
}

func TestFullSync_AgainstCentralServer(t *testing.T) {
	ctx := context.Background()
	srv, central := startCentral(t)
	api := srv.URL + "/api/v1"
	dir := t.TempDir()

	// a closed server stands in for a lost connection
	dead := httptest.NewServer(nil)
	deadURL := dead.URL + "/api/v1"
	dead.Close()

	offline := openDevice(t, dir, "till-1", deadURL)
	p, err := offline.repos.Products.Create(ctx, &catalog.ProductDTO{
		Code:      shared.Ptr("ESP-1"),
		Name:      shared.Ptr("Espresso"),
		SalePrice: shared.Ptr(decimal.RequireFromString("3.20")),
		Stock:     shared.Ptr(decimal.RequireFromString("12")),
	})
	require.NoError(t, err)
	assert.False(t, p.Synced)

	report, err := offline.orchestrator(deadURL).FullSync(ctx)
	require.NoError(t, err)
	assert.True(t, report.Offline)
	assert.Equal(t, StatusError, report.Status)

	// same store, connection restored
	till1 := &device{db: offline.db, repos: hybrid.NewRepositories(offline.db,
		remote.NewClient(&config.RemoteConfig{BaseURL: api, Timeout: 2 * time.Second, HealthTimeout: time.Second}, nil),
		hybrid.Options{DeviceID: "till-1", CollapsePending: true})}
	report, err = till1.orchestrator(api).FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status, report.Errors)
	assert.Equal(t, 1, report.Sent)

	rec, err := central.FindByGlobalID(ctx, string(shared.EntityProduct), p.GlobalID)
	require.NoError(t, err)
	assert.Equal(t, "ESP-1", rec.NaturalKey)

	pending, err := till1.repos.Products.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// a second device pulls what the first one pushed
	till2 := openDevice(t, dir, "till-2", api)
	report, err = till2.orchestrator(api).FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status, report.Errors)

	pulled, err := till2.repos.Products.GetByGlobalID(ctx, p.GlobalID)
	require.NoError(t, err)
	assert.Equal(t, "Espresso", pulled.Name)
	assert.True(t, pulled.SalePrice.Equal(decimal.RequireFromString("3.20")))
	assert.True(t, pulled.Synced)

	// running again changes nothing
	report, err = till2.orchestrator(api).FullSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)

	counts, err := central.CountByEntity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[string(shared.EntityProduct)])
}
