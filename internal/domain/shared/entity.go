package shared

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names a synchronized entity kind. The value doubles as the
// change log's entity_type column.
type EntityType string

const (
	EntityProduct  EntityType = "product"
	EntityCustomer EntityType = "customer"
	EntitySale     EntityType = "sale"
	EntityUser     EntityType = "user"
)

// String returns the entity type name
func (t EntityType) String() string {
	return string(t)
}

// ParseEntityType accepts singular or plural names ("product", "products").
func ParseEntityType(s string) (EntityType, error) {
	switch s {
	case "product", "products":
		return EntityProduct, nil
	case "customer", "customers":
		return EntityCustomer, nil
	case "sale", "sales":
		return EntitySale, nil
	case "user", "users":
		return EntityUser, nil
	default:
		return "", NewDomainError(ErrUnknownEntity.Code, "unknown entity type: "+s)
	}
}

// HybridEntity holds the sync metadata carried by every row of a hybrid table.
// ID is the storage-assigned key and never leaves the device; GlobalID is the
// client-generated identifier the server knows the record by.
type HybridEntity struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	GlobalID  string    `gorm:"column:global_id;type:text;uniqueIndex"`
	Synced    bool      `gorm:"column:synced;not null;default:false"`
	Active    bool      `gorm:"column:active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// Hybrid gives generic code access to the embedded sync metadata
func (e *HybridEntity) Hybrid() *HybridEntity {
	return e
}

// EnsureGlobalID assigns a new global identifier if the row has none.
// Returns true when an identifier was generated.
func (e *HybridEntity) EnsureGlobalID() bool {
	if e.GlobalID != "" {
		return false
	}
	e.GlobalID = NewGlobalID()
	return true
}

// Hybrid is implemented by every entity stored in a hybrid table
type Hybrid interface {
	Hybrid() *HybridEntity
}

// NewGlobalID generates a new global identifier
func NewGlobalID() string {
	return uuid.NewString()
}

// IsValidGlobalID reports whether s is a non-empty, well-formed identifier
func IsValidGlobalID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Ptr returns a pointer to a copy of v
func Ptr[T any](v T) *T {
	return &v
}
