package partner

import (
	"net/mail"
	"strings"
	"time"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Customer represents a buyer known to the store, identified by a tax or ID document
type Customer struct {
	shared.HybridEntity
	Document    string          `gorm:"type:varchar(30);not null;index"`
	Name        string          `gorm:"type:varchar(200);not null"`
	Email       string          `gorm:"type:varchar(200)"`
	Phone       string          `gorm:"type:varchar(50)"`
	Address     string          `gorm:"type:text"`
	CreditLimit decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
}

// TableName returns the table name for GORM
func (Customer) TableName() string {
	return "customers"
}

// CustomerDTO is the wire representation of a customer
type CustomerDTO struct {
	GlobalID    string           `json:"global_id,omitempty"`
	Document    *string          `json:"document,omitempty" validate:"omitempty,min=1,max=30"`
	Name        *string          `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Email       *string          `json:"email,omitempty" validate:"omitempty,max=200"`
	Phone       *string          `json:"phone,omitempty" validate:"omitempty,max=50"`
	Address     *string          `json:"address,omitempty"`
	CreditLimit *decimal.Decimal `json:"credit_limit,omitempty"`
	Active      *bool            `json:"active,omitempty"`
	UpdatedAt   *time.Time       `json:"updated_at,omitempty"`
}

func (d *CustomerDTO) GetGlobalID() string   { return d.GlobalID }
func (d *CustomerDTO) SetGlobalID(id string) { d.GlobalID = id }
func (d *CustomerDTO) IsInactive() bool      { return d.Active != nil && !*d.Active }

// NaturalKey returns the normalized document number, or "" if absent
func (d *CustomerDTO) NaturalKey() string {
	if d.Document == nil {
		return ""
	}
	return NormalizeDocument(*d.Document)
}

// Validate checks customer business rules
func (d *CustomerDTO) Validate(op shared.Operation) error {
	if op == shared.OperationCreate {
		if d.Document == nil || NormalizeDocument(*d.Document) == "" {
			return shared.NewDomainError("INVALID_DOCUMENT", "Customer document cannot be empty")
		}
		if d.Name == nil || strings.TrimSpace(*d.Name) == "" {
			return shared.NewDomainError("INVALID_NAME", "Customer name cannot be empty")
		}
	}
	if d.Email != nil && *d.Email != "" {
		if _, err := mail.ParseAddress(*d.Email); err != nil {
			return shared.NewDomainError("INVALID_EMAIL", "Invalid email format")
		}
	}
	if d.CreditLimit != nil && d.CreditLimit.IsNegative() {
		return shared.NewDomainError("INVALID_CREDIT_LIMIT", "Credit limit cannot be negative")
	}
	return nil
}

// Apply copies every present field of the payload onto the customer
func (c *Customer) Apply(d *CustomerDTO) {
	if d.Document != nil {
		c.Document = NormalizeDocument(*d.Document)
	}
	if d.Name != nil {
		c.Name = *d.Name
	}
	if d.Email != nil {
		c.Email = strings.ToLower(strings.TrimSpace(*d.Email))
	}
	if d.Phone != nil {
		c.Phone = *d.Phone
	}
	if d.Address != nil {
		c.Address = *d.Address
	}
	if d.CreditLimit != nil {
		c.CreditLimit = *d.CreditLimit
	}
	if d.Active != nil {
		c.Active = *d.Active
	}
}

// ToDTO returns a full snapshot of the customer
func (c *Customer) ToDTO() *CustomerDTO {
	return &CustomerDTO{
		GlobalID:    c.GlobalID,
		Document:    shared.Ptr(c.Document),
		Name:        shared.Ptr(c.Name),
		Email:       shared.Ptr(c.Email),
		Phone:       shared.Ptr(c.Phone),
		Address:     shared.Ptr(c.Address),
		CreditLimit: shared.Ptr(c.CreditLimit),
		Active:      shared.Ptr(c.Active),
		UpdatedAt:   shared.Ptr(c.UpdatedAt),
	}
}

// NormalizeDocument strips separators from a document number
func NormalizeDocument(doc string) string {
	r := strings.NewReplacer(".", "", "-", "", "/", "", " ", "")
	return strings.ToUpper(r.Replace(doc))
}
