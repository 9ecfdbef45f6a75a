package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/db"
)

// Repository persists ledger, aggregate, staging and import-run data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations that must run inside one transaction.
type TxRepository interface {
	LockAggregate(ctx context.Context, warehouseID, productID int64) (AggregateQuantity, error)
	ApplyDelta(ctx context.Context, warehouseID, productID, qtyChange int64) (AggregateQuantity, error)
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, bool, error)
	GetLedgerEntryByKey(ctx context.Context, tenantID int64, key string) (LedgerEntry, error)
	InsertImportRun(ctx context.Context, run ImportRun) error
}

// ErrAggregateNotFound indicates no aggregate row exists yet for the key.
var ErrAggregateNotFound = errors.New("inventory aggregate not found")

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs fn inside a read-committed transaction. Row locks taken on the
// aggregate serialise concurrent movements per key; read committed lets a
// waiter continue on the committed row instead of failing with 40001.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetAggregate reads the snapshot without locking.
func (r *Repository) GetAggregate(ctx context.Context, warehouseID, productID int64) (AggregateQuantity, error) {
	if r == nil {
		return AggregateQuantity{}, errors.New("inventory repository not initialised")
	}
	return scanAggregate(r.pool.QueryRow(ctx, `SELECT warehouse_id, product_id, qty_on_hand, qty_available, qty_allocated, updated_at
FROM inventory_aggregates WHERE warehouse_id=$1 AND product_id=$2`, warehouseID, productID), warehouseID, productID)
}

// ListLedger returns ledger entries ordered oldest first.
func (r *Repository) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+ledgerColumns+`
FROM inventory_ledger
WHERE tenant_id=$1 AND warehouse_id=$2 AND product_id=$3
  AND created_at BETWEEN COALESCE($4, '-infinity'::timestamptz) AND COALESCE($5, 'infinity'::timestamptz)
ORDER BY created_at ASC, id ASC
LIMIT $6`, filter.TenantID, filter.WarehouseID, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []LedgerEntry{}
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// InsertStagingRows bulk-loads staging rows with COPY.
func (r *Repository) InsertStagingRows(ctx context.Context, rows []StagingRow) (int, error) {
	if r == nil {
		return 0, errors.New("inventory repository not initialised")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	columns := []string{
		"tenant_id", "warehouse_id", "product_id", "occurred_at", "raw_row_no", "source_file_name", "memo",
		"opening_stock", "inbound_qty", "disposal_qty", "damage_qty", "return_b2c_qty", "outbound_qty",
		"adjustment_plus_qty", "adjustment_minus_qty", "bundle_break_in_qty", "bundle_break_out_qty",
		"export_pickup_qty", "outbound_cancel_qty", "created_at",
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"inventory_staging_rows"}, columns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		row := rows[i]
		q := row.Quantities
		return []any{
			row.TenantID, row.WarehouseID, row.ProductID, row.OccurredAt, row.RawRowNo, row.SourceFileName, nullString(row.Memo),
			q.OpeningStock, q.InboundQty, q.DisposalQty, q.DamageQty, q.ReturnB2CQty, q.OutboundQty,
			q.AdjustmentPlusQty, q.AdjustmentMinusQty, q.BundleBreakInQty, q.BundleBreakOutQty,
			q.ExportPickupQty, q.OutboundCancelQty, row.CreatedAt,
		}, nil
	}))
	return int(n), err
}

// ListStagingRows reads staged rows ordered by occurrence.
func (r *Repository) ListStagingRows(ctx context.Context, filter StagingFilter) ([]StagingRow, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT s.id, s.tenant_id, s.warehouse_id, s.product_id, s.occurred_at, s.raw_row_no, s.source_file_name, COALESCE(s.memo, ''),
  s.opening_stock, s.inbound_qty, s.disposal_qty, s.damage_qty, s.return_b2c_qty, s.outbound_qty,
  s.adjustment_plus_qty, s.adjustment_minus_qty, s.bundle_break_in_qty, s.bundle_break_out_qty,
  s.export_pickup_qty, s.outbound_cancel_qty, s.created_at
FROM inventory_staging_rows s
WHERE s.tenant_id=$1 AND ($2 = '' OR s.source_file_name = $2)
  AND ($4 = false OR (
    (s.opening_stock <> 0 OR s.inbound_qty <> 0 OR s.disposal_qty <> 0 OR s.damage_qty <> 0
      OR s.return_b2c_qty <> 0 OR s.outbound_qty <> 0 OR s.adjustment_plus_qty <> 0
      OR s.adjustment_minus_qty <> 0 OR s.bundle_break_in_qty <> 0 OR s.bundle_break_out_qty <> 0
      OR s.export_pickup_qty <> 0 OR s.outbound_cancel_qty <> 0)
    AND NOT EXISTS (
      SELECT 1 FROM inventory_ledger l
      WHERE l.tenant_id = s.tenant_id AND l.reference_type = '`+stagingReferenceType+`' AND l.reference_id = s.id::text)))
ORDER BY s.occurred_at ASC, s.raw_row_no ASC, s.id ASC
LIMIT $3`, filter.TenantID, filter.SourceFileName, filter.Limit, filter.PendingOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []StagingRow{}
	for rows.Next() {
		var row StagingRow
		q := &row.Quantities
		if err := rows.Scan(&row.ID, &row.TenantID, &row.WarehouseID, &row.ProductID, &row.OccurredAt, &row.RawRowNo, &row.SourceFileName, &row.Memo,
			&q.OpeningStock, &q.InboundQty, &q.DisposalQty, &q.DamageQty, &q.ReturnB2CQty, &q.OutboundQty,
			&q.AdjustmentPlusQty, &q.AdjustmentMinusQty, &q.BundleBreakInQty, &q.BundleBreakOutQty,
			&q.ExportPickupQty, &q.OutboundCancelQty, &row.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// InsertImportRun appends an import run outside any batch transaction.
func (r *Repository) InsertImportRun(ctx context.Context, run ImportRun) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return insertImportRun(ctx, r.pool, run)
}

// ListImportRuns returns the newest runs for a tenant.
func (r *Repository) ListImportRuns(ctx context.Context, tenantID int64, limit int) ([]ImportRun, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, COALESCE(source_file_name, ''), dry_run, requested_limit, selected_count,
  imported_count, skipped_count, status, COALESCE(error_message, ''), requested_by, started_at, finished_at, metadata
FROM inventory_import_runs
WHERE tenant_id=$1
ORDER BY started_at DESC
LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := []ImportRun{}
	for rows.Next() {
		var run ImportRun
		var status string
		var meta []byte
		if err := rows.Scan(&run.ID, &run.TenantID, &run.SourceFileName, &run.DryRun, &run.RequestedLimit, &run.SelectedCount,
			&run.ImportedCount, &run.SkippedCount, &status, &run.ErrorMessage, &run.RequestedBy, &run.StartedAt, &run.FinishedAt, &meta); err != nil {
			return nil, err
		}
		run.Status = ImportRunStatus(status)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &run.Metadata); err != nil {
				return nil, fmt.Errorf("decode import run metadata: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListDrift compares every aggregate with the running sum of its ledger and
// returns the keys that disagree.
func (r *Repository) ListDrift(ctx context.Context, limit int) ([]Drift, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT warehouse_id, product_id, COALESCE(a.qty_on_hand, 0), COALESCE(l.total, 0)
FROM inventory_aggregates a
FULL OUTER JOIN (
  SELECT warehouse_id, product_id, SUM(qty_change) AS total
  FROM inventory_ledger
  GROUP BY warehouse_id, product_id
) l USING (warehouse_id, product_id)
WHERE COALESCE(a.qty_on_hand, 0) <> COALESCE(l.total, 0)
ORDER BY warehouse_id, product_id
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	drifts := []Drift{}
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.WarehouseID, &d.ProductID, &d.QtyOnHand, &d.LedgerSum); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

func (r *txRepository) LockAggregate(ctx context.Context, warehouseID, productID int64) (AggregateQuantity, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO inventory_aggregates (warehouse_id, product_id, qty_on_hand, qty_available, qty_allocated, updated_at)
VALUES ($1,$2,0,0,0,NOW())
ON CONFLICT (warehouse_id, product_id) DO NOTHING`, warehouseID, productID); err != nil {
		return AggregateQuantity{}, err
	}
	return scanAggregate(r.tx.QueryRow(ctx, `SELECT warehouse_id, product_id, qty_on_hand, qty_available, qty_allocated, updated_at
FROM inventory_aggregates WHERE warehouse_id=$1 AND product_id=$2 FOR UPDATE`, warehouseID, productID), warehouseID, productID)
}

// ApplyDelta is a conditional update: it only matches when the resulting
// on-hand stays non-negative, so zero affected rows means insufficient stock.
func (r *txRepository) ApplyDelta(ctx context.Context, warehouseID, productID, qtyChange int64) (AggregateQuantity, error) {
	snap, err := scanAggregate(r.tx.QueryRow(ctx, `UPDATE inventory_aggregates
SET qty_on_hand = qty_on_hand + $3,
    qty_available = GREATEST(0, qty_on_hand + $3 - qty_allocated),
    updated_at = NOW()
WHERE warehouse_id=$1 AND product_id=$2 AND qty_on_hand + $3 >= 0
RETURNING warehouse_id, product_id, qty_on_hand, qty_available, qty_allocated, updated_at`, warehouseID, productID, qtyChange), warehouseID, productID)
	if errors.Is(err, ErrAggregateNotFound) {
		return AggregateQuantity{}, ErrInsufficientStock
	}
	return snap, err
}

// InsertLedgerEntry appends an entry. A duplicate (tenant_id, idempotency_key)
// is absorbed by the unique constraint and reported as inserted=false.
func (r *txRepository) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, bool, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_ledger (tenant_id, warehouse_id, product_id, movement_type, direction, quantity, qty_change,
  balance_after, reference_type, reference_id, memo, idempotency_key, created_at, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
RETURNING id`, entry.TenantID, entry.WarehouseID, entry.ProductID, entry.MovementType.String(), string(entry.Direction), entry.Quantity,
		entry.QtyChange, entry.BalanceAfter, nullString(entry.ReferenceType), nullString(entry.ReferenceID), nullString(entry.Memo),
		entry.IdempotencyKey, entry.CreatedAt, nullInt(entry.CreatedBy)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (r *txRepository) GetLedgerEntryByKey(ctx context.Context, tenantID int64, key string) (LedgerEntry, error) {
	return scanLedgerEntry(r.tx.QueryRow(ctx, `SELECT `+ledgerColumns+`
FROM inventory_ledger WHERE tenant_id=$1 AND idempotency_key=$2`, tenantID, key))
}

func (r *txRepository) InsertImportRun(ctx context.Context, run ImportRun) error {
	return insertImportRun(ctx, r.tx, run)
}

const ledgerColumns = `id, tenant_id, warehouse_id, product_id, movement_type, direction, quantity, qty_change, balance_after,
  COALESCE(reference_type, ''), COALESCE(reference_id, ''), COALESCE(memo, ''), idempotency_key, created_at, COALESCE(created_by, 0)`

func scanLedgerEntry(row pgx.Row) (LedgerEntry, error) {
	var entry LedgerEntry
	var movementType, direction string
	if err := row.Scan(&entry.ID, &entry.TenantID, &entry.WarehouseID, &entry.ProductID, &movementType, &direction, &entry.Quantity,
		&entry.QtyChange, &entry.BalanceAfter, &entry.ReferenceType, &entry.ReferenceID, &entry.Memo, &entry.IdempotencyKey,
		&entry.CreatedAt, &entry.CreatedBy); err != nil {
		return LedgerEntry{}, err
	}
	t, err := ParseMovementType(movementType)
	if err != nil {
		return LedgerEntry{}, err
	}
	entry.MovementType = t
	entry.Direction = Direction(direction)
	return entry, nil
}

func scanAggregate(row pgx.Row, warehouseID, productID int64) (AggregateQuantity, error) {
	var snap AggregateQuantity
	err := row.Scan(&snap.WarehouseID, &snap.ProductID, &snap.QtyOnHand, &snap.QtyAvailable, &snap.QtyAllocated, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AggregateQuantity{WarehouseID: warehouseID, ProductID: productID}, ErrAggregateNotFound
		}
		return AggregateQuantity{}, err
	}
	return snap, nil
}

func insertImportRun(ctx context.Context, q dbtx, run ImportRun) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode import run metadata: %w", err)
	}
	_, err = q.Exec(ctx, `INSERT INTO inventory_import_runs (id, tenant_id, source_file_name, dry_run, requested_limit, selected_count,
  imported_count, skipped_count, status, error_message, requested_by, started_at, finished_at, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, run.ID, run.TenantID, nullString(run.SourceFileName), run.DryRun,
		run.RequestedLimit, run.SelectedCount, run.ImportedCount, run.SkippedCount, string(run.Status), nullString(run.ErrorMessage),
		run.RequestedBy, run.StartedAt, run.FinishedAt, meta)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func stagingReference(rowID int64) string {
	return strconv.FormatInt(rowID, 10)
}
