package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// StockChangedEvent describes a committed on-hand change for one key.
type StockChangedEvent struct {
	TenantID  int64
	ActorID   int64
	Action    string
	Reason    string
	Change    KeyChange
	Reference map[string]any
}

// eventSink runs the post-commit side effects. None of them can undo a
// committed movement, so every failure is logged and dropped.
type eventSink struct {
	audit      AuditPort
	aggregates *AggregateStore
	metrics    *Metrics
	logger     *slog.Logger
}

func (s *eventSink) stockChanged(ctx context.Context, events []StockChangedEvent) {
	if len(events) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	products := make(map[int64]struct{}, len(events))
	for _, evt := range events {
		products[evt.Change.ProductID] = struct{}{}
		if s.audit == nil {
			continue
		}
		log := shared.AuditLog{
			TenantID:     evt.TenantID,
			ActorID:      evt.ActorID,
			Action:       evt.Action,
			ResourceType: "inventory",
			ResourceID:   fmt.Sprintf("%d:%d", evt.Change.WarehouseID, evt.Change.ProductID),
			OldValue:     map[string]any{"qty_on_hand": evt.Change.OldOnHand},
			NewValue:     map[string]any{"qty_on_hand": evt.Change.NewOnHand},
			Reason:       evt.Reason,
			Meta:         evt.Reference,
		}
		if err := s.audit.Record(ctx, log); err != nil {
			s.logger.Warn("audit record failed",
				slog.String("resource_id", log.ResourceID),
				slog.Any("error", err))
		}
	}
	ids := make([]int64, 0, len(products))
	for id := range products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.aggregates.mirrorProducts(ctx, ids)
}

func (s *eventSink) movement(t MovementType, outcome string) {
	s.metrics.observeMovement(t, outcome)
}

func (s *eventSink) batchApplied(ctx context.Context, in CommitInput, run ImportRun, changes []KeyChange) {
	events := make([]StockChangedEvent, 0, len(changes))
	for _, change := range changes {
		if change.OldOnHand == change.NewOnHand {
			continue
		}
		events = append(events, StockChangedEvent{
			TenantID: in.TenantID,
			ActorID:  in.ActorID,
			Action:   "inventory:staging_commit",
			Reason:   "staging import " + in.SourceFileName,
			Change:   change,
			Reference: map[string]any{
				"run_id":           run.ID.String(),
				"source_file_name": in.SourceFileName,
			},
		})
	}
	s.stockChanged(ctx, events)
}
