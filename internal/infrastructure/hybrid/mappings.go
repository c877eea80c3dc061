package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/possync/internal/domain/catalog"
	"github.com/erp/possync/internal/domain/identity"
	"github.com/erp/possync/internal/domain/partner"
	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/domain/trade"
	"github.com/erp/possync/internal/infrastructure/changelog"
)

// ProductMapping describes products: natural key is the normalized code
func ProductMapping() Mapping[*catalog.Product, *catalog.ProductDTO] {
	return Mapping[*catalog.Product, *catalog.ProductDTO]{
		EntityType:       shared.EntityProduct,
		Resource:         "products",
		Table:            "products",
		NaturalKeyColumn: "code",
		New:              func() *catalog.Product { return &catalog.Product{} },
		NewPayload:       func() *catalog.ProductDTO { return &catalog.ProductDTO{} },
		Apply: func(p *catalog.Product, d *catalog.ProductDTO) error {
			p.Apply(d)
			return nil
		},
		Snapshot:   (*catalog.Product).ToDTO,
		NaturalKey: func(p *catalog.Product) string { return p.Code },
		OnWrite: func(ctx context.Context, tx *gorm.DB, c Change[*catalog.Product, *catalog.ProductDTO]) error {
			if c.Op != shared.OperationCreate {
				return nil
			}
			// sale lines may have arrived before their product
			p := c.After
			return tx.Model(&trade.SaleItem{}).
				Where("product_global_id = ? AND product_id IS NULL", p.GlobalID).
				Update("product_id", p.ID).Error
		},
		OnIdentityMerge: func(ctx context.Context, tx *gorm.DB, oldID, newID string) error {
			return tx.Model(&trade.SaleItem{}).
				Where("product_global_id = ?", oldID).
				Update("product_global_id", newID).Error
		},
	}
}

// CustomerMapping describes customers: natural key is the normalized document
func CustomerMapping() Mapping[*partner.Customer, *partner.CustomerDTO] {
	return Mapping[*partner.Customer, *partner.CustomerDTO]{
		EntityType:       shared.EntityCustomer,
		Resource:         "customers",
		Table:            "customers",
		NaturalKeyColumn: "document",
		New:              func() *partner.Customer { return &partner.Customer{} },
		NewPayload:       func() *partner.CustomerDTO { return &partner.CustomerDTO{} },
		Apply: func(c *partner.Customer, d *partner.CustomerDTO) error {
			c.Apply(d)
			return nil
		},
		Snapshot:   (*partner.Customer).ToDTO,
		NaturalKey: func(c *partner.Customer) string { return c.Document },
		OnIdentityMerge: func(ctx context.Context, tx *gorm.DB, oldID, newID string) error {
			return tx.Model(&trade.Sale{}).
				Where("customer_global_id = ?", oldID).
				UpdateColumn("customer_global_id", newID).Error
		},
	}
}

// UserMapping describes operator accounts: natural key is the username
func UserMapping() Mapping[*identity.User, *identity.UserDTO] {
	return Mapping[*identity.User, *identity.UserDTO]{
		EntityType:       shared.EntityUser,
		Resource:         "users",
		Table:            "users",
		NaturalKeyColumn: "username",
		New:              func() *identity.User { return &identity.User{} },
		NewPayload:       func() *identity.UserDTO { return &identity.UserDTO{} },
		Apply:            (*identity.User).Apply,
		Snapshot:         (*identity.User).ToDTO,
		NaturalKey:       func(u *identity.User) string { return u.Username },
	}
}

// SaleMapping describes sales. Lines are stored in sale_items and rewritten
// on every write; local writes also move product stock.
func SaleMapping() Mapping[*trade.Sale, *trade.SaleDTO] {
	return Mapping[*trade.Sale, *trade.SaleDTO]{
		EntityType:       shared.EntitySale,
		Resource:         "sales",
		Table:            "sales",
		NaturalKeyColumn: "number",
		New:              func() *trade.Sale { return &trade.Sale{} },
		NewPayload:       func() *trade.SaleDTO { return &trade.SaleDTO{} },
		Apply: func(s *trade.Sale, d *trade.SaleDTO) error {
			s.Apply(d)
			return nil
		},
		Snapshot:   (*trade.Sale).ToDTO,
		NaturalKey: func(s *trade.Sale) string { return s.Number },
		Preload:    []string{"Items"},
		OnWrite: func(ctx context.Context, tx *gorm.DB, c Change[*trade.Sale, *trade.SaleDTO]) error {
			if c.Op != shared.OperationDelete {
				if err := writeSaleItems(tx, c.After); err != nil {
					return err
				}
			}
			if c.Source != SourceLocal {
				return nil
			}
			return adjustStockForSale(ctx, tx, c)
		},
	}
}

func writeSaleItems(tx *gorm.DB, s *trade.Sale) error {
	if err := tx.Where("sale_id = ?", s.ID).Delete(&trade.SaleItem{}).Error; err != nil {
		return fmt.Errorf("failed to clear sale items: %w", err)
	}
	if len(s.Items) == 0 {
		return nil
	}
	for i := range s.Items {
		it := &s.Items[i]
		it.ID = 0
		it.SaleID = s.ID
		it.ProductID = nil
		var ids []uint
		if err := tx.Model(&catalog.Product{}).Where("global_id = ?", it.ProductGlobalID).Limit(1).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			it.ProductID = &ids[0]
		}
	}
	if err := tx.Create(&s.Items).Error; err != nil {
		return fmt.Errorf("failed to write sale items: %w", err)
	}
	return nil
}

// adjustStockForSale restores the quantities of the previous version of a
// sale and takes out those of the new one. Each touched product is queued as
// an UPDATE so the new stock reaches the server.
func adjustStockForSale(ctx context.Context, tx *gorm.DB, c Change[*trade.Sale, *trade.SaleDTO]) error {
	delta := make(map[string]decimal.Decimal)
	if c.HasBefore && !c.Before.IsInactive() {
		for _, it := range c.Before.Items {
			delta[it.ProductGlobalID] = delta[it.ProductGlobalID].Add(it.Quantity)
		}
	}
	if c.After.Active {
		for gid, qty := range c.After.QuantitiesByProduct() {
			delta[gid] = delta[gid].Sub(qty)
		}
	}

	gids := make([]string, 0, len(delta))
	for gid, d := range delta {
		if !d.IsZero() {
			gids = append(gids, gid)
		}
	}
	sort.Strings(gids)

	changes := changelog.NewGormRepository(tx)
	for _, gid := range gids {
		var p catalog.Product
		if err := tx.Where("global_id = ?", gid).Limit(1).Find(&p).Error; err != nil {
			return err
		}
		if p.ID == 0 {
			continue
		}
		p.AdjustStock(delta[gid])
		p.Synced = false
		if err := tx.Omit(clause.Associations).Save(&p).Error; err != nil {
			return fmt.Errorf("failed to adjust stock of %s: %w", p.Code, err)
		}
		data, err := json.Marshal(p.ToDTO())
		if err != nil {
			return err
		}
		entry := shared.NewChangeLogEntry(shared.EntityProduct, p.GlobalID, shared.OperationUpdate, data)
		if err := changes.Append(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
