package catalog

import (
	"testing"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestProductDTO_Validate(t *testing.T) {
	t.Run("create requires code and name", func(t *testing.T) {
		err := (&ProductDTO{Name: strPtr("Coffee")}).Validate(shared.OperationCreate)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "code cannot be empty")

		err = (&ProductDTO{Code: strPtr("SKU-1")}).Validate(shared.OperationCreate)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name cannot be empty")
	})

	t.Run("update only checks present fields", func(t *testing.T) {
		err := (&ProductDTO{Stock: decPtr("3")}).Validate(shared.OperationUpdate)
		assert.NoError(t, err)
	})

	t.Run("rejects invalid code characters", func(t *testing.T) {
		err := (&ProductDTO{Code: strPtr("SKU@001"), Name: strPtr("x")}).Validate(shared.OperationCreate)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "can only contain letters")
	})

	t.Run("rejects negative prices", func(t *testing.T) {
		err := (&ProductDTO{SalePrice: decPtr("-1")}).Validate(shared.OperationUpdate)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be negative")
	})
}

func TestProduct_Apply(t *testing.T) {
	p := &Product{}
	p.Apply(&ProductDTO{
		Code:      strPtr(" sku-001 "),
		Name:      strPtr("Coffee Beans"),
		SalePrice: decPtr("12.50"),
		Stock:     decPtr("10"),
	})

	assert.Equal(t, "SKU-001", p.Code)
	assert.Equal(t, "Coffee Beans", p.Name)
	assert.Equal(t, "pcs", p.Unit)
	assert.True(t, p.SalePrice.Equal(decimal.RequireFromString("12.5")))

	t.Run("partial payload leaves other fields untouched", func(t *testing.T) {
		p.Apply(&ProductDTO{Stock: decPtr("7")})
		assert.Equal(t, "Coffee Beans", p.Name)
		assert.True(t, p.Stock.Equal(decimal.NewFromInt(7)))
		assert.True(t, p.SalePrice.Equal(decimal.RequireFromString("12.5")))
	})
}

func TestProduct_ToDTO(t *testing.T) {
	p := &Product{Code: "SKU-9", Name: "Tea", Unit: "box", Stock: decimal.NewFromInt(4)}
	p.GlobalID = shared.NewGlobalID()
	p.Active = true

	dto := p.ToDTO()
	assert.Equal(t, p.GlobalID, dto.GetGlobalID())
	assert.Equal(t, "SKU-9", dto.NaturalKey())
	assert.False(t, dto.IsInactive())
	assert.True(t, dto.Stock.Equal(decimal.NewFromInt(4)))
}

func TestProduct_AdjustStock(t *testing.T) {
	p := &Product{Stock: decimal.NewFromInt(10), MinStock: decimal.NewFromInt(3)}
	p.AdjustStock(decimal.NewFromInt(-7))
	assert.True(t, p.Stock.Equal(decimal.NewFromInt(3)))
	assert.True(t, p.IsLowStock())

	p.AdjustStock(decimal.NewFromInt(2))
	assert.False(t, p.IsLowStock())
}
