package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/width"
)

const (
	maxUploadRows        = 10000
	maxSourceFileNameLen = 255
	stagingReferenceType = "STAGING_ROW"
)

// stagingField binds one staging column to the movement it synthesizes.
// The table order is the order in which a row's movements are applied:
// every increase before any decrease.
type stagingField struct {
	column   string
	alias    string
	movement MovementType
	value    func(*StagingQuantities) *int64
}

var stagingFields = [...]stagingField{
	{"opening_stock", "openingStock", MovementInventoryInit, func(q *StagingQuantities) *int64 { return &q.OpeningStock }},
	{"inbound_qty", "inboundQty", MovementInbound, func(q *StagingQuantities) *int64 { return &q.InboundQty }},
	{"outbound_cancel_qty", "outboundCancelQty", MovementOutboundCancel, func(q *StagingQuantities) *int64 { return &q.OutboundCancelQty }},
	{"return_b2c_qty", "returnB2cQty", MovementReturnB2C, func(q *StagingQuantities) *int64 { return &q.ReturnB2CQty }},
	{"adjustment_plus_qty", "adjustmentPlusQty", MovementAdjustmentPlus, func(q *StagingQuantities) *int64 { return &q.AdjustmentPlusQty }},
	{"bundle_break_in_qty", "bundleBreakInQty", MovementBundleBreakIn, func(q *StagingQuantities) *int64 { return &q.BundleBreakInQty }},
	{"outbound_qty", "outboundQty", MovementOutbound, func(q *StagingQuantities) *int64 { return &q.OutboundQty }},
	{"adjustment_minus_qty", "adjustmentMinusQty", MovementAdjustmentMinus, func(q *StagingQuantities) *int64 { return &q.AdjustmentMinusQty }},
	{"bundle_break_out_qty", "bundleBreakOutQty", MovementBundleBreakOut, func(q *StagingQuantities) *int64 { return &q.BundleBreakOutQty }},
	{"export_pickup_qty", "exportPickupQty", MovementExportPickup, func(q *StagingQuantities) *int64 { return &q.ExportPickupQty }},
	{"disposal_qty", "disposalQty", MovementDisposal, func(q *StagingQuantities) *int64 { return &q.DisposalQty }},
	{"damage_qty", "damageQty", MovementDamage, func(q *StagingQuantities) *int64 { return &q.DamageQty }},
}

// StagingImporter handles the two-phase bulk import: upload stores raw rows,
// commit turns them into ledger movements.
type StagingImporter struct {
	repo     RepositoryPort
	catalog  CatalogPort
	guard    *IdempotencyGuard
	recorder *MovementRecorder
	runs     *ImportRunLedger
	events   *eventSink
	cfg      ServiceConfig
	logger   *slog.Logger
	now      func() time.Time
}

type stockKey struct {
	warehouseID int64
	productID   int64
}

// Upload persists rows verbatim after coercing their quantities. Rows whose
// product cannot be resolved are dropped; if none remain the call fails.
func (s *StagingImporter) Upload(ctx context.Context, in UploadInput) (UploadResult, error) {
	if in.TenantID <= 0 {
		return UploadResult{}, validationError("tenant required")
	}
	name := strings.TrimSpace(in.SourceFileName)
	if name == "" || len(name) > maxSourceFileNameLen {
		return UploadResult{}, validationError("source file name required (max %d bytes)", maxSourceFileNameLen)
	}
	if len(in.Rows) == 0 {
		return UploadResult{}, validationError("no rows supplied")
	}
	if len(in.Rows) > maxUploadRows {
		return UploadResult{}, validationError("at most %d rows per upload", maxUploadRows)
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	candidates := make([]StagingRow, 0, len(in.Rows))
	rejected := 0
	for i, row := range in.Rows {
		warehouseID := row.WarehouseID
		if warehouseID <= 0 {
			warehouseID = in.WarehouseID
		}
		if row.ProductID <= 0 || warehouseID <= 0 {
			rejected++
			continue
		}
		rowNo := row.RowNo
		if rowNo <= 0 {
			rowNo = i + 1
		}
		occurredAt := row.OccurredAt.UTC()
		if row.OccurredAt.IsZero() {
			occurredAt = today
		}
		candidates = append(candidates, StagingRow{
			TenantID:       in.TenantID,
			WarehouseID:    warehouseID,
			ProductID:      row.ProductID,
			OccurredAt:     occurredAt,
			RawRowNo:       rowNo,
			SourceFileName: name,
			Memo:           row.Memo,
			Quantities:     CoerceQuantities(row.Quantities),
			CreatedAt:      now,
		})
	}

	keys := make([]stockKey, 0, len(candidates))
	for _, row := range candidates {
		keys = append(keys, stockKey{warehouseID: row.WarehouseID, productID: row.ProductID})
	}
	missing, err := s.lookupKeys(ctx, in.TenantID, keys)
	if err != nil {
		return UploadResult{}, err
	}
	rows := candidates[:0]
	for _, row := range candidates {
		if _, ok := missing[stockKey{warehouseID: row.WarehouseID, productID: row.ProductID}]; ok {
			rejected++
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return UploadResult{}, validationError("no row contains a resolvable product")
	}

	inserted, err := s.repo.InsertStagingRows(ctx, rows)
	if err != nil {
		return UploadResult{}, storageError("insert staging rows", err)
	}
	s.logger.Info("staging rows uploaded",
		slog.Int64("tenant_id", in.TenantID),
		slog.String("source_file_name", name),
		slog.Int("inserted", inserted),
		slog.Int("rejected", rejected))
	return UploadResult{InsertedCount: inserted, RejectedCount: rejected}, nil
}

// Commit synthesizes movements from staged rows and applies them as one
// batch. Exactly one ImportRun is written per call once the tenant is known.
func (s *StagingImporter) Commit(ctx context.Context, in CommitInput) (CommitResult, error) {
	if in.TenantID <= 0 {
		return CommitResult{}, validationError("tenant required")
	}
	in.SourceFileName = strings.TrimSpace(in.SourceFileName)
	limit := s.clampLimit(in.Limit)
	run := s.runs.begin(in, limit)
	result := CommitResult{DryRun: in.DryRun, RunID: run.ID}

	rows, err := s.repo.ListStagingRows(ctx, StagingFilter{
		TenantID:       in.TenantID,
		SourceFileName: in.SourceFileName,
		Limit:          limit,
		PendingOnly:    in.PendingOnly,
	})
	if err != nil {
		return result, s.fail(ctx, run, storageError("list staging rows", err))
	}
	run.SelectedCount = len(rows)
	movements := s.synthesize(rows)
	result.Total = len(movements)
	run.Metadata["synthesized"] = len(movements)

	if len(movements) > 0 {
		if err := s.validateMovements(ctx, in.TenantID, movements); err != nil {
			return result, s.fail(ctx, run, batchError(err))
		}
	}

	if in.DryRun || len(movements) == 0 {
		if in.DryRun {
			result.Sample = preview(movements, s.cfg.PreviewSize)
		}
		if err := s.runs.write(ctx, s.runs.finish(run, nil)); err != nil {
			return result, err
		}
		return result, nil
	}

	ordered := orderForCommit(movements)
	var (
		imported, skipped int
		changes           []KeyChange
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		imported, skipped, changes = 0, 0, nil
		index := make(map[stockKey]int)
		for _, m := range ordered {
			res, err := s.recorder.apply(ctx, tx, s.ledgerEntry(m, in.ActorID))
			if err != nil {
				return fmt.Errorf("staging row %d (%s): %w", m.RawRowNo, m.MovementType, err)
			}
			if res.duplicate {
				skipped++
			} else {
				imported++
			}
			key := stockKey{warehouseID: m.WarehouseID, productID: m.ProductID}
			i, ok := index[key]
			if !ok {
				index[key] = len(changes)
				changes = append(changes, KeyChange{WarehouseID: key.warehouseID, ProductID: key.productID, OldOnHand: res.before.QtyOnHand})
				i = len(changes) - 1
			}
			changes[i].NewOnHand = res.after.QtyOnHand
		}
		done := s.runs.finish(run, nil)
		done.ImportedCount = imported
		done.SkippedCount = skipped
		return s.runs.writeInTx(ctx, tx, done)
	})
	if err != nil {
		return result, s.fail(ctx, run, batchError(err))
	}
	s.runs.metrics.observeRun(ImportRunSuccess)
	s.events.batchApplied(ctx, in, run, changes)

	result.ImportedCount = imported
	result.SkippedCount = skipped
	s.logger.Info("staging commit applied",
		slog.Int64("tenant_id", in.TenantID),
		slog.String("run_id", run.ID.String()),
		slog.Int("imported", imported),
		slog.Int("skipped", skipped))
	return result, nil
}

func (s *StagingImporter) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.StagingDefaultLimit
	}
	if limit > s.cfg.StagingMaxLimit {
		return s.cfg.StagingMaxLimit
	}
	return limit
}

// fail records the FAILED run and returns cause, joined with the run write
// error when that also failed.
func (s *StagingImporter) fail(ctx context.Context, run ImportRun, cause error) error {
	s.logger.Warn("staging commit failed",
		slog.Int64("tenant_id", run.TenantID),
		slog.String("run_id", run.ID.String()),
		slog.Any("error", cause))
	if err := s.runs.write(ctx, s.runs.finish(run, cause)); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// synthesize expands rows into canonical movements in row order. A negative
// cell becomes a movement of the same type in the opposite direction.
func (s *StagingImporter) synthesize(rows []StagingRow) []SynthesizedMovement {
	out := make([]SynthesizedMovement, 0, len(rows))
	for _, row := range rows {
		q := row.Quantities
		for _, field := range stagingFields {
			v := *field.value(&q)
			if v == 0 {
				continue
			}
			direction := field.movement.Direction()
			if v < 0 {
				v = -v
				direction = direction.Opposite()
			}
			m := SynthesizedMovement{
				StagingRowID:   row.ID,
				TenantID:       row.TenantID,
				WarehouseID:    row.WarehouseID,
				ProductID:      row.ProductID,
				OccurredAt:     row.OccurredAt,
				RawRowNo:       row.RawRowNo,
				SourceFileName: row.SourceFileName,
				MovementType:   field.movement,
				Direction:      direction,
				Quantity:       v,
				Memo:           row.Memo,
			}
			m.IdempotencyKey = s.guard.StagingKey(m)
			out = append(out, m)
		}
	}
	return out
}

func (s *StagingImporter) ledgerEntry(m SynthesizedMovement, actorID int64) LedgerEntry {
	return LedgerEntry{
		TenantID:       m.TenantID,
		WarehouseID:    m.WarehouseID,
		ProductID:      m.ProductID,
		MovementType:   m.MovementType,
		Direction:      m.Direction,
		Quantity:       m.Quantity,
		QtyChange:      m.QtyChange(),
		ReferenceType:  stagingReferenceType,
		ReferenceID:    stagingReference(m.StagingRowID),
		Memo:           m.Memo,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      s.now(),
		CreatedBy:      actorID,
	}
}

func (s *StagingImporter) validateMovements(ctx context.Context, tenantID int64, movements []SynthesizedMovement) error {
	keys := make([]stockKey, 0, len(movements))
	for _, m := range movements {
		keys = append(keys, stockKey{warehouseID: m.WarehouseID, productID: m.ProductID})
	}
	missing, err := s.lookupKeys(ctx, tenantID, keys)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	bad := make([]string, 0, len(missing))
	for key := range missing {
		bad = append(bad, fmt.Sprintf("%d:%d", key.warehouseID, key.productID))
	}
	sort.Strings(bad)
	return &Error{Code: CodeNotFound, Message: "unknown warehouse/product " + strings.Join(bad, ", ")}
}

// lookupKeys resolves distinct keys against the catalog concurrently and
// returns the ones the tenant does not own. Any other lookup error aborts.
func (s *StagingImporter) lookupKeys(ctx context.Context, tenantID int64, keys []stockKey) (map[stockKey]struct{}, error) {
	missing := make(map[stockKey]struct{})
	if s.catalog == nil || len(keys) == 0 {
		return missing, nil
	}
	seen := make(map[stockKey]struct{}, len(keys))
	distinct := make([]stockKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		distinct = append(distinct, key)
	}

	found := make([]error, len(distinct))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.LookupConcurrency)
	for i, key := range distinct {
		g.Go(func() error {
			err := s.catalog.Resolve(gctx, tenantID, key.warehouseID, key.productID)
			if err == nil {
				return nil
			}
			if mapped := catalogError(err); CodeOf(mapped) == CodeNotFound {
				found[i] = mapped
				return nil
			}
			return catalogError(err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, err := range found {
		if err != nil {
			missing[distinct[i]] = struct{}{}
		}
	}
	return missing, nil
}

// orderForCommit sorts by key so concurrent batches lock rows in the same
// order. The sort is stable, keeping occurredAt order within a key.
func orderForCommit(movements []SynthesizedMovement) []SynthesizedMovement {
	ordered := make([]SynthesizedMovement, len(movements))
	copy(ordered, movements)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].WarehouseID != ordered[j].WarehouseID {
			return ordered[i].WarehouseID < ordered[j].WarehouseID
		}
		return ordered[i].ProductID < ordered[j].ProductID
	})
	return ordered
}

func preview(movements []SynthesizedMovement, size int) []SynthesizedMovement {
	if len(movements) < size {
		size = len(movements)
	}
	out := make([]SynthesizedMovement, size)
	copy(out, movements[:size])
	return out
}

func batchError(err error) error {
	return &Error{Code: CodeImportBatchFailed, Message: "import batch failed", Err: err}
}

// CoerceQuantities maps raw cells onto the twelve quantity columns. Both
// snake_case and camelCase column names are accepted; unknown keys are ignored.
func CoerceQuantities(raw map[string]any) StagingQuantities {
	var q StagingQuantities
	for _, field := range stagingFields {
		v, ok := raw[field.column]
		if !ok {
			v, ok = raw[field.alias]
		}
		if !ok {
			continue
		}
		*field.value(&q) = CoerceQuantity(v)
	}
	return q
}

// CoerceQuantity converts a spreadsheet cell to an integer quantity. Missing
// or unparseable values yield 0; fractions are truncated.
func CoerceQuantity(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		if x == math.MinInt64 {
			return 0
		}
		return x
	case float32:
		return truncate(float64(x))
	case float64:
		return truncate(x)
	case json.Number:
		return coerceString(x.String())
	case string:
		return coerceString(x)
	}
	return 0
}

func coerceString(s string) int64 {
	s = width.Fold.String(s)
	s = strings.Map(func(r rune) rune {
		if r == ',' || r == '_' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n == math.MinInt64 {
			return 0
		}
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return truncate(f)
	}
	return 0
}

func truncate(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0
	}
	return int64(f)
}
