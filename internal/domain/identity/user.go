package identity

import (
	"strings"
	"time"

	"github.com/erp/possync/internal/domain/shared"
	"golang.org/x/crypto/bcrypt"
)

// Role is the permission level of a POS operator
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleCashier Role = "cashier"
)

// IsValid checks if the role is known
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleCashier:
		return true
	}
	return false
}

// Password cost for bcrypt
var BcryptCost = bcrypt.DefaultCost

// User represents an operator account of the point of sale
type User struct {
	shared.HybridEntity
	Username     string `gorm:"type:varchar(100);not null;index"`
	FullName     string `gorm:"type:varchar(200)"`
	Email        string `gorm:"type:varchar(200)"`
	Role         Role   `gorm:"type:varchar(20);not null;default:'cashier'"`
	PasswordHash string `gorm:"type:varchar(255)"`
}

// TableName returns the table name for GORM
func (User) TableName() string {
	return "users"
}

// UserDTO is the wire representation of a user. Password is accepted as
// input only; it is hashed on Apply and never part of a snapshot.
type UserDTO struct {
	GlobalID     string     `json:"global_id,omitempty"`
	Username     *string    `json:"username,omitempty" validate:"omitempty,min=3,max=100"`
	FullName     *string    `json:"full_name,omitempty" validate:"omitempty,max=200"`
	Email        *string    `json:"email,omitempty" validate:"omitempty,max=200"`
	Role         *Role      `json:"role,omitempty"`
	Password     *string    `json:"password,omitempty" validate:"omitempty,min=8,max=72"`
	PasswordHash *string    `json:"password_hash,omitempty"`
	Active       *bool      `json:"active,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

func (d *UserDTO) GetGlobalID() string   { return d.GlobalID }
func (d *UserDTO) SetGlobalID(id string) { d.GlobalID = id }
func (d *UserDTO) IsInactive() bool      { return d.Active != nil && !*d.Active }

// NaturalKey returns the normalized username, or "" if absent
func (d *UserDTO) NaturalKey() string {
	if d.Username == nil {
		return ""
	}
	return NormalizeUsername(*d.Username)
}

// Validate checks user business rules
func (d *UserDTO) Validate(op shared.Operation) error {
	if op == shared.OperationCreate {
		if d.Username == nil || NormalizeUsername(*d.Username) == "" {
			return shared.NewDomainError("INVALID_USERNAME", "Username cannot be empty")
		}
	}
	if d.Username != nil {
		for _, r := range NormalizeUsername(*d.Username) {
			if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '.') {
				return shared.NewDomainError("INVALID_USERNAME", "Username can only contain letters, numbers, dots, and underscores")
			}
		}
	}
	if d.Role != nil && !d.Role.IsValid() {
		return shared.NewDomainError("INVALID_ROLE", "Role must be one of admin, manager, cashier")
	}
	return nil
}

// Apply copies every present field of the payload onto the user, hashing
// a plaintext password if one is given.
func (u *User) Apply(d *UserDTO) error {
	if d.Username != nil {
		u.Username = NormalizeUsername(*d.Username)
	}
	if d.FullName != nil {
		u.FullName = *d.FullName
	}
	if d.Email != nil {
		u.Email = strings.ToLower(strings.TrimSpace(*d.Email))
	}
	if d.Role != nil {
		u.Role = *d.Role
	}
	if d.PasswordHash != nil {
		u.PasswordHash = *d.PasswordHash
	}
	if d.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*d.Password), BcryptCost)
		if err != nil {
			return shared.NewDomainError("PASSWORD_HASH_ERROR", "Failed to hash password")
		}
		u.PasswordHash = string(hash)
	}
	if d.Active != nil {
		u.Active = *d.Active
	}
	if u.Role == "" {
		u.Role = RoleCashier
	}
	return nil
}

// ToDTO returns a full snapshot of the user
func (u *User) ToDTO() *UserDTO {
	return &UserDTO{
		GlobalID:     u.GlobalID,
		Username:     shared.Ptr(u.Username),
		FullName:     shared.Ptr(u.FullName),
		Email:        shared.Ptr(u.Email),
		Role:         shared.Ptr(u.Role),
		PasswordHash: shared.Ptr(u.PasswordHash),
		Active:       shared.Ptr(u.Active),
		UpdatedAt:    shared.Ptr(u.UpdatedAt),
	}
}

// VerifyPassword checks if the provided password matches the stored hash
func (u *User) VerifyPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}

// NormalizeUsername trims and lower-cases a username
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
