package hybrid

import (
	"context"

	"github.com/erp/possync/internal/domain/catalog"
	"github.com/erp/possync/internal/domain/identity"
	"github.com/erp/possync/internal/domain/partner"
	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/domain/trade"
	"github.com/erp/possync/internal/infrastructure/persistence"
)

type (
	ProductRepository  = Repository[*catalog.Product, *catalog.ProductDTO]
	CustomerRepository = Repository[*partner.Customer, *partner.CustomerDTO]
	UserRepository     = Repository[*identity.User, *identity.UserDTO]
	SaleRepository     = Repository[*trade.Sale, *trade.SaleDTO]
)

// Syncer is the entity-agnostic view of a repository used by the orchestrator
type Syncer interface {
	EntityType() shared.EntityType
	SyncChanges(ctx context.Context) SyncResult
	PendingCount(ctx context.Context) (int64, error)
}

// Repositories bundles the repositories of every synchronized entity type
type Repositories struct {
	Products  *ProductRepository
	Customers *CustomerRepository
	Users     *UserRepository
	Sales     *SaleRepository
}

// NewRepositories wires one repository per entity type over the same store
// and central server client
func NewRepositories(db *persistence.Database, client Remote, opts Options) *Repositories {
	return &Repositories{
		Products:  NewRepository(db, client, ProductMapping(), opts),
		Customers: NewRepository(db, client, CustomerMapping(), opts),
		Users:     NewRepository(db, client, UserMapping(), opts),
		Sales:     NewRepository(db, client, SaleMapping(), opts),
	}
}

// Syncer returns the repository serving entityType
func (r *Repositories) Syncer(entityType shared.EntityType) (Syncer, error) {
	switch entityType {
	case shared.EntityProduct:
		return r.Products, nil
	case shared.EntityCustomer:
		return r.Customers, nil
	case shared.EntityUser:
		return r.Users, nil
	case shared.EntitySale:
		return r.Sales, nil
	}
	return nil, shared.NewDomainError(shared.ErrUnknownEntity.Code, "unknown entity type: "+string(entityType))
}

var (
	_ Syncer = (*ProductRepository)(nil)
	_ Syncer = (*SaleRepository)(nil)
)
