package catalog

import (
	"strings"
	"time"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var upper = cases.Upper(language.Und)

// Product represents a product/SKU sold at the point of sale
type Product struct {
	shared.HybridEntity
	Code      string          `gorm:"type:varchar(50);not null;index"`
	Name      string          `gorm:"type:varchar(200);not null"`
	Barcode   string          `gorm:"type:varchar(50);index"`
	Category  string          `gorm:"type:varchar(100)"`
	Unit      string          `gorm:"type:varchar(20);not null;default:'pcs'"`
	CostPrice decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	SalePrice decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Stock     decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	MinStock  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"` // Minimum stock level for alerts
}

// TableName returns the table name for GORM
func (Product) TableName() string {
	return "products"
}

// ProductDTO is the wire representation of a product. Every field is
// optional so the same type carries full snapshots and partial updates.
type ProductDTO struct {
	GlobalID  string           `json:"global_id,omitempty"`
	Code      *string          `json:"code,omitempty" validate:"omitempty,min=1,max=50"`
	Name      *string          `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Barcode   *string          `json:"barcode,omitempty" validate:"omitempty,max=50"`
	Category  *string          `json:"category,omitempty" validate:"omitempty,max=100"`
	Unit      *string          `json:"unit,omitempty" validate:"omitempty,min=1,max=20"`
	CostPrice *decimal.Decimal `json:"cost_price,omitempty"`
	SalePrice *decimal.Decimal `json:"sale_price,omitempty"`
	Stock     *decimal.Decimal `json:"stock,omitempty"`
	MinStock  *decimal.Decimal `json:"min_stock,omitempty"`
	Active    *bool            `json:"active,omitempty"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
}

// GetGlobalID returns the global identifier carried by the payload
func (d *ProductDTO) GetGlobalID() string { return d.GlobalID }

// SetGlobalID sets the global identifier carried by the payload
func (d *ProductDTO) SetGlobalID(id string) { d.GlobalID = id }

// IsInactive reports whether the payload describes a deactivated record
func (d *ProductDTO) IsInactive() bool { return d.Active != nil && !*d.Active }

// NaturalKey returns the normalized product code, or "" if absent
func (d *ProductDTO) NaturalKey() string {
	if d.Code == nil {
		return ""
	}
	return NormalizeCode(*d.Code)
}

// Validate checks the business rules that struct tags cannot express.
// A create requires code and name; other operations only check present fields.
func (d *ProductDTO) Validate(op shared.Operation) error {
	if op == shared.OperationCreate {
		if d.Code == nil || strings.TrimSpace(*d.Code) == "" {
			return shared.NewDomainError("INVALID_CODE", "Product code cannot be empty")
		}
		if d.Name == nil || strings.TrimSpace(*d.Name) == "" {
			return shared.NewDomainError("INVALID_NAME", "Product name cannot be empty")
		}
	}
	if d.Code != nil {
		if err := validateProductCode(*d.Code); err != nil {
			return err
		}
	}
	for _, v := range []*decimal.Decimal{d.CostPrice, d.SalePrice, d.MinStock} {
		if v != nil && v.IsNegative() {
			return shared.NewDomainError("INVALID_PRICE", "Prices and minimum stock cannot be negative")
		}
	}
	return nil
}

// Apply copies every present field of the payload onto the product
func (p *Product) Apply(d *ProductDTO) {
	if d.Code != nil {
		p.Code = NormalizeCode(*d.Code)
	}
	if d.Name != nil {
		p.Name = *d.Name
	}
	if d.Barcode != nil {
		p.Barcode = *d.Barcode
	}
	if d.Category != nil {
		p.Category = *d.Category
	}
	if d.Unit != nil {
		p.Unit = *d.Unit
	}
	if d.CostPrice != nil {
		p.CostPrice = *d.CostPrice
	}
	if d.SalePrice != nil {
		p.SalePrice = *d.SalePrice
	}
	if d.Stock != nil {
		p.Stock = *d.Stock
	}
	if d.MinStock != nil {
		p.MinStock = *d.MinStock
	}
	if d.Active != nil {
		p.Active = *d.Active
	}
	if p.Unit == "" {
		p.Unit = "pcs"
	}
}

// ToDTO returns a full snapshot of the product
func (p *Product) ToDTO() *ProductDTO {
	return &ProductDTO{
		GlobalID:  p.GlobalID,
		Code:      shared.Ptr(p.Code),
		Name:      shared.Ptr(p.Name),
		Barcode:   shared.Ptr(p.Barcode),
		Category:  shared.Ptr(p.Category),
		Unit:      shared.Ptr(p.Unit),
		CostPrice: shared.Ptr(p.CostPrice),
		SalePrice: shared.Ptr(p.SalePrice),
		Stock:     shared.Ptr(p.Stock),
		MinStock:  shared.Ptr(p.MinStock),
		Active:    shared.Ptr(p.Active),
		UpdatedAt: shared.Ptr(p.UpdatedAt),
	}
}

// AdjustStock changes the on-hand quantity by delta
func (p *Product) AdjustStock(delta decimal.Decimal) {
	p.Stock = p.Stock.Add(delta)
	p.UpdatedAt = time.Now()
}

// IsLowStock returns true if the stock is at or below the minimum level
func (p *Product) IsLowStock() bool {
	return !p.MinStock.IsZero() && p.Stock.LessThanOrEqual(p.MinStock)
}

// NormalizeCode trims and upper-cases a product code
func NormalizeCode(code string) string {
	return upper.String(strings.TrimSpace(code))
}

func validateProductCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return shared.NewDomainError("INVALID_CODE", "Product code cannot be empty")
	}
	if len(code) > 50 {
		return shared.NewDomainError("INVALID_CODE", "Product code cannot exceed 50 characters")
	}
	// Code should be alphanumeric with underscores and hyphens
	for _, r := range code {
		if !((r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-') {
			return shared.NewDomainError("INVALID_CODE", "Product code can only contain letters, numbers, underscores, and hyphens")
		}
	}
	return nil
}
