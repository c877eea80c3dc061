package identity

import (
	"encoding/json"
	"testing"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	BcryptCost = bcrypt.MinCost
}

func TestUser_Apply(t *testing.T) {
	t.Run("hashes plaintext password", func(t *testing.T) {
		u := &User{}
		err := u.Apply(&UserDTO{
			Username: shared.Ptr(" Cashier.One "),
			Password: shared.Ptr("s3cret-pass"),
		})
		require.NoError(t, err)

		assert.Equal(t, "cashier.one", u.Username)
		assert.Equal(t, RoleCashier, u.Role)
		assert.NotEqual(t, "s3cret-pass", u.PasswordHash)
		assert.True(t, u.VerifyPassword("s3cret-pass"))
		assert.False(t, u.VerifyPassword("wrong"))
	})

	t.Run("snapshot never carries the plaintext password", func(t *testing.T) {
		u := &User{}
		require.NoError(t, u.Apply(&UserDTO{Username: shared.Ptr("bob"), Password: shared.Ptr("another-pass")}))

		data, err := json.Marshal(u.ToDTO())
		require.NoError(t, err)
		assert.NotContains(t, string(data), "another-pass")
		assert.NotContains(t, string(data), `"password"`)
		assert.Contains(t, string(data), `"password_hash"`)
	})
}

func TestUserDTO_Validate(t *testing.T) {
	tests := []struct {
		name    string
		dto     UserDTO
		op      shared.Operation
		wantErr bool
	}{
		{"valid create", UserDTO{Username: shared.Ptr("maria")}, shared.OperationCreate, false},
		{"missing username", UserDTO{}, shared.OperationCreate, true},
		{"invalid characters", UserDTO{Username: shared.Ptr("ma ria")}, shared.OperationUpdate, true},
		{"invalid role", UserDTO{Role: shared.Ptr(Role("root"))}, shared.OperationUpdate, true},
		{"empty update", UserDTO{}, shared.OperationUpdate, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dto.Validate(tt.op)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
