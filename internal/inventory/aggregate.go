package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// AggregateStore owns the per-key balance snapshot. Writes only happen inside
// a movement transaction through lock and applyDelta.
type AggregateStore struct {
	repo   RepositoryPort
	mirror CatalogMirror
	logger *slog.Logger
}

// ReadCurrent returns the committed snapshot without locking. A key that
// never moved reads as zero.
func (s *AggregateStore) ReadCurrent(ctx context.Context, warehouseID, productID int64) (AggregateQuantity, error) {
	snap, err := s.repo.GetAggregate(ctx, warehouseID, productID)
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) {
			return AggregateQuantity{WarehouseID: warehouseID, ProductID: productID}, nil
		}
		return AggregateQuantity{}, storageError("read aggregate", err)
	}
	return snap, nil
}

func (s *AggregateStore) lock(ctx context.Context, tx TxRepository, warehouseID, productID int64) (AggregateQuantity, error) {
	snap, err := tx.LockAggregate(ctx, warehouseID, productID)
	if err != nil {
		return AggregateQuantity{}, storageError("lock aggregate", err)
	}
	return snap, nil
}

// applyDelta moves on-hand by qtyChange and re-derives available. The caller
// holds the row lock and has already computed the expected balance.
func (s *AggregateStore) applyDelta(ctx context.Context, tx TxRepository, before AggregateQuantity, qtyChange int64) (AggregateQuantity, error) {
	after, err := tx.ApplyDelta(ctx, before.WarehouseID, before.ProductID, qtyChange)
	if err != nil {
		return AggregateQuantity{}, storageError("apply aggregate delta", err)
	}
	if after.QtyOnHand != before.QtyOnHand+qtyChange {
		return AggregateQuantity{}, storageError("apply aggregate delta",
			fmt.Errorf("on-hand %d after change %d from %d", after.QtyOnHand, qtyChange, before.QtyOnHand))
	}
	if after.QtyAvailable != DeriveAvailable(after.QtyOnHand, after.QtyAllocated) {
		return AggregateQuantity{}, storageError("apply aggregate delta",
			fmt.Errorf("available %d does not match on-hand %d allocated %d", after.QtyAvailable, after.QtyOnHand, after.QtyAllocated))
	}
	return after, nil
}

// mirrorProducts refreshes the legacy stock column. Failures are logged only.
func (s *AggregateStore) mirrorProducts(ctx context.Context, productIDs []int64) {
	if s.mirror == nil {
		return
	}
	for _, productID := range productIDs {
		if err := s.mirror.MirrorOnHand(ctx, productID); err != nil {
			s.logger.Warn("mirror on-hand failed", slog.Int64("product_id", productID), slog.Any("error", err))
		}
	}
}
