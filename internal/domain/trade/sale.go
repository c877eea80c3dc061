package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// PaymentMethod represents how a sale was paid
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentCredit   PaymentMethod = "credit"
)

// IsValid checks if the payment method is known
func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentCredit:
		return true
	}
	return false
}

// Sale represents a completed point-of-sale ticket
type Sale struct {
	shared.HybridEntity
	Number           string          `gorm:"type:varchar(50);not null;index"`
	CustomerGlobalID string          `gorm:"column:customer_global_id;type:text"`
	PaymentMethod    PaymentMethod   `gorm:"type:varchar(20);not null;default:'cash'"`
	Subtotal         decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Discount         decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Total            decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	SoldAt           time.Time       `gorm:"column:sold_at"`
	Items            []SaleItem      `gorm:"foreignKey:SaleID"`
}

// TableName returns the table name for GORM
func (Sale) TableName() string {
	return "sales"
}

// SaleItem is a line of a sale. Products are referenced by global id;
// ProductID is the local key resolved on this device.
type SaleItem struct {
	ID              uint            `gorm:"primaryKey;autoIncrement"`
	SaleID          uint            `gorm:"not null;index"`
	ProductGlobalID string          `gorm:"column:product_global_id;type:text;not null;index"`
	ProductID       *uint           `gorm:"column:product_id"`
	Quantity        decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Subtotal        decimal.Decimal `gorm:"type:decimal(18,4);not null"`
}

// TableName returns the table name for GORM
func (SaleItem) TableName() string {
	return "sale_items"
}

// SaleItemDTO is the wire representation of a sale line
type SaleItemDTO struct {
	ProductGlobalID string          `json:"product_global_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Subtotal        decimal.Decimal `json:"subtotal"`
}

// SaleDTO is the wire representation of a sale. A nil Items slice means
// the lines are not part of the payload.
type SaleDTO struct {
	GlobalID         string           `json:"global_id,omitempty"`
	Number           *string          `json:"number,omitempty" validate:"omitempty,min=1,max=50"`
	CustomerGlobalID *string          `json:"customer_global_id,omitempty"`
	PaymentMethod    *PaymentMethod   `json:"payment_method,omitempty"`
	Subtotal         *decimal.Decimal `json:"subtotal,omitempty"`
	Discount         *decimal.Decimal `json:"discount,omitempty"`
	Total            *decimal.Decimal `json:"total,omitempty"`
	SoldAt           *time.Time       `json:"sold_at,omitempty"`
	Items            []SaleItemDTO    `json:"items,omitempty" validate:"omitempty,dive"`
	Active           *bool            `json:"active,omitempty"`
	UpdatedAt        *time.Time       `json:"updated_at,omitempty"`
}

func (d *SaleDTO) GetGlobalID() string   { return d.GlobalID }
func (d *SaleDTO) SetGlobalID(id string) { d.GlobalID = id }
func (d *SaleDTO) IsInactive() bool      { return d.Active != nil && !*d.Active }

// NaturalKey returns the sale number, or "" if absent
func (d *SaleDTO) NaturalKey() string {
	if d.Number == nil {
		return ""
	}
	return strings.TrimSpace(*d.Number)
}

// Validate checks sale business rules
func (d *SaleDTO) Validate(op shared.Operation) error {
	if op == shared.OperationCreate && len(d.Items) == 0 {
		return shared.NewDomainError("EMPTY_SALE", "Sale must have at least one item")
	}
	if d.PaymentMethod != nil && !d.PaymentMethod.IsValid() {
		return shared.NewDomainError("INVALID_PAYMENT_METHOD", "Unknown payment method")
	}
	for i, item := range d.Items {
		if item.ProductGlobalID == "" {
			return shared.NewDomainError("INVALID_ITEM", fmt.Sprintf("Item %d has no product", i+1))
		}
		if !item.Quantity.IsPositive() {
			return shared.NewDomainError("INVALID_QUANTITY", fmt.Sprintf("Item %d quantity must be positive", i+1))
		}
		if item.UnitPrice.IsNegative() {
			return shared.NewDomainError("INVALID_PRICE", fmt.Sprintf("Item %d price cannot be negative", i+1))
		}
	}
	if d.Discount != nil && d.Discount.IsNegative() {
		return shared.NewDomainError("INVALID_DISCOUNT", "Discount cannot be negative")
	}
	return nil
}

// Apply copies every present field of the payload onto the sale. When the
// payload carries items they replace the current lines and totals are
// recomputed. ProductID of the new lines is left for the caller to resolve.
func (s *Sale) Apply(d *SaleDTO) {
	if d.Number != nil {
		s.Number = strings.TrimSpace(*d.Number)
	}
	if d.CustomerGlobalID != nil {
		s.CustomerGlobalID = *d.CustomerGlobalID
	}
	if d.PaymentMethod != nil {
		s.PaymentMethod = *d.PaymentMethod
	}
	if d.Discount != nil {
		s.Discount = *d.Discount
	}
	if d.SoldAt != nil {
		s.SoldAt = *d.SoldAt
	}
	if d.Active != nil {
		s.Active = *d.Active
	}
	if d.Items != nil {
		s.Items = make([]SaleItem, 0, len(d.Items))
		for _, it := range d.Items {
			sub := it.Quantity.Mul(it.UnitPrice)
			s.Items = append(s.Items, SaleItem{
				SaleID:          s.ID,
				ProductGlobalID: it.ProductGlobalID,
				Quantity:        it.Quantity,
				UnitPrice:       it.UnitPrice,
				Subtotal:        sub,
			})
		}
		s.Recalculate()
	} else {
		if d.Subtotal != nil {
			s.Subtotal = *d.Subtotal
		}
		if d.Total != nil {
			s.Total = *d.Total
		}
	}
	if s.PaymentMethod == "" {
		s.PaymentMethod = PaymentCash
	}
	if s.SoldAt.IsZero() {
		s.SoldAt = time.Now()
	}
	if s.Number == "" {
		s.Number = GenerateNumber(s.SoldAt, s.GlobalID)
	}
}

// Recalculate recomputes subtotal and total from the lines
func (s *Sale) Recalculate() {
	subtotal := decimal.Zero
	for _, it := range s.Items {
		subtotal = subtotal.Add(it.Subtotal)
	}
	s.Subtotal = subtotal
	s.Total = subtotal.Sub(s.Discount)
	if s.Total.IsNegative() {
		s.Total = decimal.Zero
	}
}

// ToDTO returns a full snapshot of the sale including its lines
func (s *Sale) ToDTO() *SaleDTO {
	items := make([]SaleItemDTO, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, SaleItemDTO{
			ProductGlobalID: it.ProductGlobalID,
			Quantity:        it.Quantity,
			UnitPrice:       it.UnitPrice,
			Subtotal:        it.Subtotal,
		})
	}
	return &SaleDTO{
		GlobalID:         s.GlobalID,
		Number:           shared.Ptr(s.Number),
		CustomerGlobalID: shared.Ptr(s.CustomerGlobalID),
		PaymentMethod:    shared.Ptr(s.PaymentMethod),
		Subtotal:         shared.Ptr(s.Subtotal),
		Discount:         shared.Ptr(s.Discount),
		Total:            shared.Ptr(s.Total),
		SoldAt:           shared.Ptr(s.SoldAt),
		Items:            items,
		Active:           shared.Ptr(s.Active),
		UpdatedAt:        shared.Ptr(s.UpdatedAt),
	}
}

// QuantitiesByProduct sums line quantities per product global id
func (s *Sale) QuantitiesByProduct() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Items))
	for _, it := range s.Items {
		out[it.ProductGlobalID] = out[it.ProductGlobalID].Add(it.Quantity)
	}
	return out
}

// GenerateNumber builds a sale number like S-20260101-1A2B3C4D. The suffix
// comes from the global id so numbers stay unique across devices.
func GenerateNumber(at time.Time, globalID string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(globalID, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		suffix = fmt.Sprintf("%04d", at.Nanosecond()%10000)
	}
	return fmt.Sprintf("S-%s-%s", at.Format("20060102"), suffix)
}
