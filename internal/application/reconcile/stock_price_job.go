// Package reconcile holds one-way corrective jobs that push local numeric
// values over the central server's copy.
package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/erp/possync/internal/domain/catalog"
	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/remote"
)

// Epsilon is the largest difference treated as equal
var Epsilon = decimal.RequireFromString("0.001")

// Result summarizes one reconciliation run
type Result struct {
	Checked     int      `json:"checked"`
	Updated     int      `json:"updated"`
	Errors      []string `json:"errors,omitempty"`
	Interrupted bool     `json:"interrupted,omitempty"`
}

// ProductRemote is the part of the central server client the job needs
type ProductRemote interface {
	List(ctx context.Context, resource string, out any) error
	Update(ctx context.Context, resource, globalID string, body, out any, opts ...remote.CallOption) error
}

// StockPriceJob makes the server's stock, cost price and sale price match
// the local products, matched by code. Local wins.
type StockPriceJob struct {
	db     *persistence.Database
	remote ProductRemote
	logger *zap.Logger
}

// NewStockPriceJob creates the job
func NewStockPriceJob(db *persistence.Database, client ProductRemote, logger *zap.Logger) *StockPriceJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockPriceJob{db: db, remote: client, logger: logger.Named("reconcile")}
}

// Run compares every active local product with the remote record of the same
// code and sends a partial update carrying only the fields that diverge.
func (j *StockPriceJob) Run(ctx context.Context) Result {
	var res Result

	var remoteRows []*catalog.ProductDTO
	if err := j.remote.List(ctx, "products", &remoteRows); err != nil {
		if remote.IsNetwork(err) {
			j.logger.Info("Central server unreachable, reconciliation skipped", zap.Error(err))
			res.Interrupted = true
			return res
		}
		res.Errors = append(res.Errors, fmt.Sprintf("list remote products: %v", err))
		return res
	}
	byCode := make(map[string]*catalog.ProductDTO, len(remoteRows))
	for _, d := range remoteRows {
		if d.GlobalID == "" || d.IsInactive() {
			continue
		}
		if code := d.NaturalKey(); code != "" {
			byCode[code] = d
		}
	}

	var locals []catalog.Product
	if err := j.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&locals).Error; err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("load local products: %v", err))
		return res
	}

	for i := range locals {
		p := &locals[i]
		rd, ok := byCode[catalog.NormalizeCode(p.Code)]
		if !ok {
			continue
		}
		res.Checked++

		patch, changed := Diff(p, rd)
		if !changed {
			continue
		}
		if err := j.remote.Update(ctx, "products", rd.GlobalID, patch, nil); err != nil {
			if remote.IsNetwork(err) {
				j.logger.Info("Reconciliation interrupted by network failure", zap.Error(err))
				res.Interrupted = true
				return res
			}
			res.Errors = append(res.Errors, fmt.Sprintf("product %s: %v", p.Code, err))
			continue
		}
		res.Updated++
		j.logger.Debug("Product reconciled", zap.String("code", p.Code), zap.String("global_id", rd.GlobalID))
	}

	j.logger.Info("Stock and price reconciliation finished",
		zap.Int("checked", res.Checked),
		zap.Int("updated", res.Updated),
		zap.Int("errors", len(res.Errors)),
	)
	return res
}

// Diff returns a partial payload with the local values of the numeric fields
// that differ from the remote record by more than Epsilon
func Diff(local *catalog.Product, rd *catalog.ProductDTO) (*catalog.ProductDTO, bool) {
	patch := &catalog.ProductDTO{GlobalID: rd.GlobalID}
	changed := false
	check := func(localValue decimal.Decimal, remoteValue *decimal.Decimal, set func(*decimal.Decimal)) {
		rv := decimal.Zero
		if remoteValue != nil {
			rv = *remoteValue
		}
		if localValue.Sub(rv).Abs().GreaterThan(Epsilon) {
			v := localValue
			set(&v)
			changed = true
		}
	}
	check(local.Stock, rd.Stock, func(v *decimal.Decimal) { patch.Stock = v })
	check(local.CostPrice, rd.CostPrice, func(v *decimal.Decimal) { patch.CostPrice = v })
	check(local.SalePrice, rd.SalePrice, func(v *decimal.Decimal) { patch.SalePrice = v })
	return patch, changed
}
