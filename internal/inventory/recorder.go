package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxReferenceLen = 64
	maxMemoLen      = 1024
)

// errReplay aborts a movement transaction whose idempotency key already exists.
var errReplay = errors.New("inventory: idempotency key replay")

// MovementRecorder applies single movements and the per-movement step shared
// with batch commits.
type MovementRecorder struct {
	repo       RepositoryPort
	catalog    CatalogPort
	guard      *IdempotencyGuard
	aggregates *AggregateStore
	events     *eventSink
	now        func() time.Time
}

type stepResult struct {
	entry     LedgerEntry
	before    AggregateQuantity
	after     AggregateQuantity
	duplicate bool
}

// Record validates in, then locks the aggregate row, appends the ledger entry
// and moves the balance inside one transaction.
func (r *MovementRecorder) Record(ctx context.Context, in MovementInput) (MovementResult, error) {
	in, err := r.normalize(in)
	if err != nil {
		r.events.movement(in.MovementType, "rejected")
		return MovementResult{}, err
	}
	if r.catalog != nil {
		if err := r.catalog.Resolve(ctx, in.TenantID, in.WarehouseID, in.ProductID); err != nil {
			r.events.movement(in.MovementType, "rejected")
			return MovementResult{}, catalogError(err)
		}
	}

	entry := LedgerEntry{
		TenantID:       in.TenantID,
		WarehouseID:    in.WarehouseID,
		ProductID:      in.ProductID,
		MovementType:   in.MovementType,
		Direction:      in.Direction,
		Quantity:       in.Quantity,
		QtyChange:      in.Direction.Signed(in.Quantity),
		ReferenceType:  in.ReferenceType,
		ReferenceID:    in.ReferenceID,
		Memo:           in.Memo,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      r.now(),
		CreatedBy:      in.ActorID,
	}

	var step stepResult
	var stored LedgerEntry
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := r.apply(ctx, tx, entry)
		if err != nil {
			return err
		}
		if res.duplicate {
			stored, err = tx.GetLedgerEntryByKey(ctx, in.TenantID, in.IdempotencyKey)
			if err != nil {
				return storageError("load ledger entry by key", err)
			}
			return errReplay
		}
		step = res
		return nil
	})
	switch {
	case errors.Is(err, errReplay):
		if !r.guard.SamePayload(stored, in) {
			r.events.movement(in.MovementType, "conflict")
			return MovementResult{}, ErrIdempotencyConflict
		}
		r.events.movement(in.MovementType, "noop")
		return MovementResult{LedgerEntryID: stored.ID, QtyOnHand: stored.BalanceAfter, Outcome: OutcomeIdempotencyNoop}, nil
	case err != nil:
		outcome := "failed"
		if errors.Is(err, ErrInsufficientStock) {
			outcome = "insufficient"
		}
		r.events.movement(in.MovementType, outcome)
		return MovementResult{}, storageError("record movement", err)
	}

	r.events.movement(in.MovementType, "applied")
	r.events.stockChanged(ctx, []StockChangedEvent{{
		TenantID: in.TenantID,
		ActorID:  in.ActorID,
		Action:   "inventory:" + strings.ToLower(in.MovementType.String()),
		Reason:   movementReason(in),
		Change: KeyChange{
			WarehouseID: in.WarehouseID,
			ProductID:   in.ProductID,
			OldOnHand:   step.before.QtyOnHand,
			NewOnHand:   step.after.QtyOnHand,
		},
		Reference: map[string]any{
			"ledger_entry_id": step.entry.ID,
			"movement_type":   in.MovementType.String(),
			"direction":       string(in.Direction),
			"quantity":        in.Quantity,
			"reference_type":  in.ReferenceType,
			"reference_id":    in.ReferenceID,
		},
	}})
	return MovementResult{LedgerEntryID: step.entry.ID, QtyOnHand: step.after.QtyOnHand, Outcome: OutcomeApplied}, nil
}

// apply runs one movement against a locked aggregate row. The ledger insert
// comes before the stock check so that a replayed key is reported as a
// duplicate even when the balance has since dropped.
func (r *MovementRecorder) apply(ctx context.Context, tx TxRepository, entry LedgerEntry) (stepResult, error) {
	before, err := r.aggregates.lock(ctx, tx, entry.WarehouseID, entry.ProductID)
	if err != nil {
		return stepResult{}, err
	}
	entry.BalanceAfter = before.QtyOnHand + entry.QtyChange
	id, inserted, err := tx.InsertLedgerEntry(ctx, entry)
	if err != nil {
		return stepResult{}, storageError("insert ledger entry", err)
	}
	if !inserted {
		return stepResult{before: before, after: before, duplicate: true}, nil
	}
	if entry.BalanceAfter < 0 {
		return stepResult{}, &Error{
			Code:    CodeInsufficientStock,
			Message: fmt.Sprintf("insufficient stock for warehouse %d product %d: on hand %d, change %d", entry.WarehouseID, entry.ProductID, before.QtyOnHand, entry.QtyChange),
		}
	}
	after, err := r.aggregates.applyDelta(ctx, tx, before, entry.QtyChange)
	if err != nil {
		return stepResult{}, err
	}
	entry.ID = id
	return stepResult{entry: entry, before: before, after: after}, nil
}

func (r *MovementRecorder) normalize(in MovementInput) (MovementInput, error) {
	if in.TenantID <= 0 || in.WarehouseID <= 0 || in.ProductID <= 0 {
		return in, validationError("tenant, warehouse and product required")
	}
	if !in.MovementType.Valid() {
		return in, validationError("unknown movement type")
	}
	if in.Quantity <= 0 {
		return in, validationError("quantity must be a positive integer")
	}
	switch {
	case in.Direction != DirectionNeutral:
		if !in.Direction.Valid() {
			return in, validationError("direction must be IN or OUT")
		}
	case in.MovementType.Direction() == DirectionNeutral:
		return in, validationError("%s requires an explicit direction", in.MovementType)
	default:
		in.Direction = in.MovementType.Direction()
	}
	in.ReferenceType = strings.TrimSpace(in.ReferenceType)
	in.ReferenceID = strings.TrimSpace(in.ReferenceID)
	if len(in.ReferenceType) > maxReferenceLen || len(in.ReferenceID) > maxReferenceLen {
		return in, validationError("reference longer than %d bytes", maxReferenceLen)
	}
	if len(in.Memo) > maxMemoLen {
		return in, validationError("memo longer than %d bytes", maxMemoLen)
	}
	key, err := r.guard.Normalize(in.IdempotencyKey)
	if err != nil {
		return in, err
	}
	in.IdempotencyKey = key
	return in, nil
}

func movementReason(in MovementInput) string {
	if in.Memo != "" {
		return in.Memo
	}
	if in.ReferenceType != "" {
		return in.ReferenceType + ":" + in.ReferenceID
	}
	return in.MovementType.String()
}
