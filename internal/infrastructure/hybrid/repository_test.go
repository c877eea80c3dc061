package hybrid

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/possync/internal/domain/catalog"
	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/config"
	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/schema"
)

func openTestDB(t *testing.T) *persistence.Database {
	t.Helper()
	db, err := persistence.Open(persistence.DriverSQLite,
		config.SQLiteDSN(filepath.Join(t.TempDir(), "pos.db"), time.Second), persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func setupDevice(t *testing.T, fake *fakeRemote, deviceID string) (*persistence.Database, *Repositories) {
	t.Helper()
	db := openTestDB(t)
	migrator := schema.NewMigrator(db, nil)
	_, err := migrator.Migrate(context.Background())
	require.NoError(t, err)
	return db, NewRepositories(db, fake, Options{
		DeviceID:        deviceID,
		Healer:          migrator,
		CollapsePending: true,
	})
}

func productInput(code, name, price, stock string) *catalog.ProductDTO {
	return &catalog.ProductDTO{
		Code:      shared.Ptr(code),
		Name:      shared.Ptr(name),
		SalePrice: shared.Ptr(decimal.RequireFromString(price)),
		Stock:     shared.Ptr(decimal.RequireFromString(stock)),
	}
}

func TestRepository_CreateOnline(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	_, repos := setupDevice(t, fake, "till-1")

	p, err := repos.Products.Create(ctx, productInput("p-1", "Coffee", "2.5", "10"))
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.Equal(t, "P-1", p.Code)
	assert.True(t, shared.IsValidGlobalID(p.GlobalID))
	assert.True(t, p.Synced)
	assert.True(t, p.Active)

	rec := fake.get("products", p.GlobalID)
	require.NotNil(t, rec)
	assert.Equal(t, "P-1", rec["code"])

	pending, err := repos.Products.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRepository_CreateOfflineThenSync(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	_, repos := setupDevice(t, fake, "till-1")

	fake.setOffline(true)
	p, err := repos.Products.Create(ctx, productInput("P-1", "Coffee", "2.5", "10"))
	require.NoError(t, err)
	assert.False(t, p.Synced)

	all, err := repos.Products.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, p.GlobalID, all[0].GlobalID)

	res := repos.Products.SyncChanges(ctx)
	assert.True(t, res.Offline)
	assert.Equal(t, int64(1), res.Pending)

	fake.setOffline(false)
	res = repos.Products.SyncChanges(ctx)
	assert.False(t, res.Offline)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, res.Pending)

	got, err := repos.Products.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.NotNil(t, fake.get("products", p.GlobalID))
	assert.Contains(t, fake.idempotencyKeys(), "till-1:1")
}

func TestRepository_CreateRejects(t *testing.T) {
	ctx := context.Background()
	_, repos := setupDevice(t, newFakeRemote(), "")

	_, err := repos.Products.Create(ctx, productInput("P-1", "Coffee", "1", "1"))
	require.NoError(t, err)

	t.Run("duplicate natural key", func(t *testing.T) {
		_, err := repos.Products.Create(ctx, productInput(" p-1 ", "Other", "1", "1"))
		assert.ErrorIs(t, err, shared.ErrAlreadyExists)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := repos.Products.Create(ctx, &catalog.ProductDTO{Code: shared.Ptr("P-2")})
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})

	t.Run("malformed global id", func(t *testing.T) {
		in := productInput("P-3", "Tea", "1", "1")
		in.GlobalID = "not-a-uuid"
		_, err := repos.Products.Create(ctx, in)
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})

	t.Run("negative price", func(t *testing.T) {
		_, err := repos.Products.Create(ctx, productInput("P-4", "Tea", "-1", "1"))
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})
}

func TestRepository_UpdateOfflineCollapses(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	_, repos := setupDevice(t, fake, "till-1")

	p, err := repos.Products.Create(ctx, productInput("P-1", "Coffee", "2.5", "10"))
	require.NoError(t, err)

	fake.setOffline(true)
	_, err = repos.Products.Update(ctx, p.ID, &catalog.ProductDTO{Name: shared.Ptr("Espresso")})
	require.NoError(t, err)
	updated, err := repos.Products.Update(ctx, p.ID, &catalog.ProductDTO{SalePrice: shared.Ptr(decimal.NewFromInt(3))})
	require.NoError(t, err)
	assert.False(t, updated.Synced)
	assert.Equal(t, "Espresso", updated.Name)

	pending, err := repos.Products.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	fake.setOffline(false)
	res := repos.Products.SyncChanges(ctx)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, res.Pending)

	rec := fake.get("products", p.GlobalID)
	assert.Equal(t, "Espresso", rec["name"])
	assert.Equal(t, "3", rec["sale_price"])
}

func TestRepository_UpdateRecoversLostCreate(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	_, repos := setupDevice(t, fake, "till-1")

	fake.setOffline(true)
	p, err := repos.Products.Create(ctx, productInput("P-1", "Coffee", "2.5", "10"))
	require.NoError(t, err)
	fake.setOffline(false)

	updated, err := repos.Products.Update(ctx, p.ID, &catalog.ProductDTO{Name: shared.Ptr("Espresso")})
	require.NoError(t, err)
	assert.True(t, updated.Synced)

	rec := fake.get("products", p.GlobalID)
	require.NotNil(t, rec)
	assert.Equal(t, "Espresso", rec["name"])

	pending, err := repos.Products.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "queued create is superseded by the confirmed snapshot")
}

func TestRepository_UpdateRejectsTakenCode(t *testing.T) {
	ctx := context.Background()
	_, repos := setupDevice(t, newFakeRemote(), "")

	_, err := repos.Products.Create(ctx, productInput("P-1", "Coffee", "1", "1"))
	require.NoError(t, err)
	p2, err := repos.Products.Create(ctx, productInput("P-2", "Tea", "1", "1"))
	require.NoError(t, err)

	_, err = repos.Products.Update(ctx, p2.ID, &catalog.ProductDTO{Code: shared.Ptr("p-1")})
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)

	_, err = repos.Products.Update(ctx, 9999, &catalog.ProductDTO{Name: shared.Ptr("x")})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRepository_DeleteWritesTombstone(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	_, repos := setupDevice(t, fake, "till-1")

	p, err := repos.Products.Create(ctx, productInput("P-1", "Coffee", "2.5", "10"))
	require.NoError(t, err)

	fake.setOffline(true)
	deleted, err := repos.Products.Delete(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	tomb, err := repos.Products.Changes().HasPendingDelete(ctx, shared.EntityProduct, p.GlobalID)
	require.NoError(t, err)
	assert.True(t, tomb)

	fake.setOffline(false)
	all, err := repos.Products.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "tombstoned record stays hidden while the server still lists it")

	res := repos.Products.SyncChanges(ctx)
	assert.Empty(t, res.Errors)
	assert.Zero(t, res.Pending)
	assert.Equal(t, false, fake.get("products", p.GlobalID)["active"])

	got, err := repos.Products.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.Synced)

	deleted, err = repos.Products.Delete(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repos.Products.Delete(ctx, 9999)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRepository_GetAllMergesRemote(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	_, repos := setupDevice(t, fake, "till-1")

	p, err := repos.Products.Create(ctx, productInput("P-1", "Coffee", "2.5", "10"))
	require.NoError(t, err)

	fake.setOffline(true)
	_, err = repos.Products.Update(ctx, p.ID, &catalog.ProductDTO{Name: shared.Ptr("Local edit")})
	require.NoError(t, err)
	fake.setOffline(false)

	fake.seed("products", map[string]any{"global_id": shared.NewGlobalID(), "code": "R-1", "name": "Remote only"})
	fake.seed("products", map[string]any{"global_id": shared.NewGlobalID(), "code": "R-2", "name": "Retired", "active": false})

	all, err := repos.Products.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	names := map[string]string{}
	for _, row := range all {
		names[row.Code] = row.Name
	}
	assert.Equal(t, "Local edit", names["P-1"], "pending local change overrides the server copy")
	assert.Equal(t, "Remote only", names["R-1"])
	assert.NotContains(t, names, "R-2")
}

func TestRepository_HealsLegacySchema(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.DB.Exec(`CREATE TABLE customers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document VARCHAR(30) NOT NULL,
		name VARCHAR(200) NOT NULL,
		email VARCHAR(200),
		phone VARCHAR(50),
		address TEXT,
		credit_limit DECIMAL(18,4) NOT NULL DEFAULT 0
	)`).Error)
	require.NoError(t, db.DB.Exec(`INSERT INTO customers (document, name) VALUES ('111', 'Ann'), ('222', 'Bob')`).Error)

	fake := newFakeRemote()
	fake.setOffline(true)
	repos := NewRepositories(db, fake, Options{Healer: schema.NewMigrator(db, nil)})

	all, err := repos.Customers.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, c := range all {
		assert.True(t, shared.IsValidGlobalID(c.GlobalID))
		assert.True(t, c.Active)
		assert.False(t, c.Synced)
	}
}

func TestRepository_CreateKeepsIdentityWhenRemoteIDIsTaken(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	db, repos := setupDevice(t, fake, "till-1")

	retired := shared.NewGlobalID()
	insertLegacyProduct(t, db, retired, "P-1", "Old coffee", true)
	require.NoError(t, db.DB.Exec(`UPDATE products SET active = 0 WHERE global_id = ?`, retired).Error)
	fake.seed("products", map[string]any{"global_id": retired, "code": "P-1", "name": "Old coffee"})

	p, err := repos.Products.Create(ctx, productInput("P-1", "Coffee", "2", "5"))
	require.NoError(t, err, "the record is always written locally")
	assert.NotEqual(t, retired, p.GlobalID)
	assert.False(t, p.Synced)

	got, err := repos.Products.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Coffee", got.Name)

	n, err := repos.Products.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the create stays queued")
}
