// Package catalog answers tenancy questions about warehouses and products and
// keeps the legacy product stock column in step with the inventory ledger.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// Repository reads catalog ownership from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Resolve confirms the tenant exists and owns both the warehouse and the
// product. Unknown ids yield shared.ErrNotFound, foreign ones shared.ErrForbidden.
func (r *Repository) Resolve(ctx context.Context, tenantID, warehouseID, productID int64) error {
	if r == nil || r.pool == nil {
		return errors.New("catalog repository not initialised")
	}
	var (
		tenantFound     bool
		warehouseTenant *int64
		productTenant   *int64
	)
	err := r.pool.QueryRow(ctx, `SELECT
  EXISTS(SELECT 1 FROM tenants WHERE id=$1),
  (SELECT tenant_id FROM warehouses WHERE id=$2),
  (SELECT tenant_id FROM products WHERE id=$3 AND deleted_at IS NULL)`, tenantID, warehouseID, productID).
		Scan(&tenantFound, &warehouseTenant, &productTenant)
	if err != nil {
		return fmt.Errorf("catalog: resolve: %w", err)
	}
	switch {
	case !tenantFound:
		return fmt.Errorf("tenant %d: %w", tenantID, shared.ErrNotFound)
	case warehouseTenant == nil:
		return fmt.Errorf("warehouse %d: %w", warehouseID, shared.ErrNotFound)
	case productTenant == nil:
		return fmt.Errorf("product %d: %w", productID, shared.ErrNotFound)
	case *warehouseTenant != tenantID:
		return fmt.Errorf("warehouse %d belongs to another tenant: %w", warehouseID, shared.ErrForbidden)
	case *productTenant != tenantID:
		return fmt.Errorf("product %d belongs to another tenant: %w", productID, shared.ErrForbidden)
	}
	return nil
}

// Mirror writes the denormalised on-hand total onto products.stock_qty.
type Mirror struct {
	pool *pgxpool.Pool
}

// NewMirror constructs Mirror.
func NewMirror(pool *pgxpool.Pool) *Mirror {
	return &Mirror{pool: pool}
}

// MirrorOnHand recomputes the product's stock column from the aggregates.
func (m *Mirror) MirrorOnHand(ctx context.Context, productID int64) error {
	if m == nil || m.pool == nil {
		return errors.New("catalog mirror not initialised")
	}
	_, err := m.pool.Exec(ctx, `UPDATE products
SET stock_qty = (SELECT COALESCE(SUM(qty_on_hand), 0) FROM inventory_aggregates WHERE product_id=$1),
    updated_at = NOW()
WHERE id=$1`, productID)
	return err
}
