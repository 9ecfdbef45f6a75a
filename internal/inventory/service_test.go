package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// memoryRepo holds its mutex for the whole transaction, which mirrors the
// aggregate row lock: transactions are serialised and a failed one leaves
// no trace.
type memoryRepo struct {
	mu            sync.Mutex
	aggregates    map[stockKey]AggregateQuantity
	ledger        []LedgerEntry
	staging       []StagingRow
	runs          []ImportRun
	nextLedgerID  int64
	nextStagingID int64

	listStagingErr error
	insertRunErr   error
}

type memoryTx struct {
	repo       *memoryRepo
	aggregates map[stockKey]AggregateQuantity
	ledger     []LedgerEntry
	runs       []ImportRun
	nextID     int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{aggregates: make(map[stockKey]AggregateQuantity)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{
		repo:       r,
		aggregates: make(map[stockKey]AggregateQuantity, len(r.aggregates)),
		ledger:     append([]LedgerEntry(nil), r.ledger...),
		nextID:     r.nextLedgerID,
	}
	for k, v := range r.aggregates {
		tx.aggregates[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.aggregates = tx.aggregates
	r.ledger = tx.ledger
	r.nextLedgerID = tx.nextID
	r.runs = append(r.runs, tx.runs...)
	return nil
}

func (r *memoryRepo) GetAggregate(ctx context.Context, warehouseID, productID int64) (AggregateQuantity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.aggregates[stockKey{warehouseID, productID}]
	if !ok {
		return AggregateQuantity{WarehouseID: warehouseID, ProductID: productID}, ErrAggregateNotFound
	}
	return snap, nil
}

func (r *memoryRepo) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LedgerEntry
	for _, entry := range r.ledger {
		if entry.TenantID == filter.TenantID && entry.WarehouseID == filter.WarehouseID && entry.ProductID == filter.ProductID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memoryRepo) InsertStagingRows(ctx context.Context, rows []StagingRow) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.nextStagingID++
		row.ID = r.nextStagingID
		r.staging = append(r.staging, row)
	}
	return len(rows), nil
}

func (r *memoryRepo) ListStagingRows(ctx context.Context, filter StagingFilter) ([]StagingRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listStagingErr != nil {
		return nil, r.listStagingErr
	}
	var out []StagingRow
	for _, row := range r.staging {
		if row.TenantID != filter.TenantID {
			continue
		}
		if filter.SourceFileName != "" && row.SourceFileName != filter.SourceFileName {
			continue
		}
		if filter.PendingOnly && (row.Quantities.IsZero() || r.stagingApplied(row)) {
			continue
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].RawRowNo < out[j].RawRowNo
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepo) stagingApplied(row StagingRow) bool {
	for _, e := range r.ledger {
		if e.TenantID == row.TenantID && e.ReferenceType == stagingReferenceType && e.ReferenceID == stagingReference(row.ID) {
			return true
		}
	}
	return false
}

func (r *memoryRepo) InsertImportRun(ctx context.Context, run ImportRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertRunErr != nil {
		return r.insertRunErr
	}
	r.runs = append(r.runs, run)
	return nil
}

func (r *memoryRepo) ListImportRuns(ctx context.Context, tenantID int64, limit int) ([]ImportRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ImportRun
	for i := len(r.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.runs[i].TenantID == tenantID {
			out = append(out, r.runs[i])
		}
	}
	return out, nil
}

func (r *memoryRepo) onHand(warehouseID, productID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aggregates[stockKey{warehouseID, productID}].QtyOnHand
}

func (r *memoryRepo) ledgerSnapshot() []LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LedgerEntry(nil), r.ledger...)
}

func (r *memoryRepo) runSnapshot() []ImportRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ImportRun(nil), r.runs...)
}

func (tx *memoryTx) LockAggregate(ctx context.Context, warehouseID, productID int64) (AggregateQuantity, error) {
	if err := ctx.Err(); err != nil {
		return AggregateQuantity{}, err
	}
	key := stockKey{warehouseID, productID}
	snap, ok := tx.aggregates[key]
	if !ok {
		snap = AggregateQuantity{WarehouseID: warehouseID, ProductID: productID}
		tx.aggregates[key] = snap
	}
	return snap, nil
}

func (tx *memoryTx) ApplyDelta(ctx context.Context, warehouseID, productID, qtyChange int64) (AggregateQuantity, error) {
	key := stockKey{warehouseID, productID}
	snap := tx.aggregates[key]
	if snap.QtyOnHand+qtyChange < 0 {
		return AggregateQuantity{}, ErrInsufficientStock
	}
	snap.QtyOnHand += qtyChange
	snap.QtyAvailable = DeriveAvailable(snap.QtyOnHand, snap.QtyAllocated)
	snap.UpdatedAt = time.Now()
	tx.aggregates[key] = snap
	return snap, nil
}

func (tx *memoryTx) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, bool, error) {
	for _, existing := range tx.ledger {
		if existing.TenantID == entry.TenantID && existing.IdempotencyKey == entry.IdempotencyKey {
			return 0, false, nil
		}
	}
	tx.nextID++
	entry.ID = tx.nextID
	tx.ledger = append(tx.ledger, entry)
	return entry.ID, true, nil
}

func (tx *memoryTx) GetLedgerEntryByKey(ctx context.Context, tenantID int64, key string) (LedgerEntry, error) {
	for _, existing := range tx.ledger {
		if existing.TenantID == tenantID && existing.IdempotencyKey == key {
			return existing, nil
		}
	}
	return LedgerEntry{}, errors.New("ledger entry not found")
}

func (tx *memoryTx) InsertImportRun(ctx context.Context, run ImportRun) error {
	if tx.repo.insertRunErr != nil {
		return tx.repo.insertRunErr
	}
	tx.runs = append(tx.runs, run)
	return nil
}

type memoryCatalog struct {
	mu      sync.Mutex
	missing map[stockKey]bool
	err     error
	calls   int
}

func (c *memoryCatalog) Resolve(ctx context.Context, tenantID, warehouseID, productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return c.err
	}
	if c.missing[stockKey{warehouseID, productID}] {
		return shared.ErrNotFound
	}
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

type memoryMirror struct {
	mu       sync.Mutex
	products []int64
	err      error
}

func (m *memoryMirror) MirrorOnHand(ctx context.Context, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = append(m.products, productID)
	return m.err
}

type fixture struct {
	repo    *memoryRepo
	catalog *memoryCatalog
	audit   *memoryAudit
	mirror  *memoryMirror
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemoryRepo(),
		catalog: &memoryCatalog{missing: map[stockKey]bool{}},
		audit:   &memoryAudit{},
		mirror:  &memoryMirror{},
	}
	f.svc = NewService(Deps{Repo: f.repo, Catalog: f.catalog, Audit: f.audit, Mirror: f.mirror}, ServiceConfig{StagingMaxLimit: 100, StagingDefaultLimit: 50, PreviewSize: 3})
	return f
}

func movement(t MovementType, qty int64) MovementInput {
	return MovementInput{TenantID: 1, WarehouseID: 1, ProductID: 1, MovementType: t, Quantity: qty, ActorID: 7}
}

func TestRecordMovementInbound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 100))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.EqualValues(t, 100, res.QtyOnHand)

	snap, err := f.svc.GetQuantity(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 100, snap.QtyOnHand)
	require.EqualValues(t, 100, snap.QtyAvailable)

	ledger := f.repo.ledgerSnapshot()
	require.Len(t, ledger, 1)
	require.Equal(t, res.LedgerEntryID, ledger[0].ID)
	require.EqualValues(t, 100, ledger[0].BalanceAfter)
	require.EqualValues(t, 100, ledger[0].QtyChange)
	require.Equal(t, DirectionIn, ledger[0].Direction)
	require.Contains(t, ledger[0].IdempotencyKey, autoKeyPrefix)
}

func TestRecordMovementInsufficientStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 100))
	require.NoError(t, err)
	res, err := f.svc.RecordMovement(ctx, movement(MovementOutbound, 30))
	require.NoError(t, err)
	require.EqualValues(t, 70, res.QtyOnHand)

	_, err = f.svc.RecordMovement(ctx, movement(MovementOutbound, 9999))
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, CodeInsufficientStock, CodeOf(err))
	require.EqualValues(t, 70, f.repo.onHand(1, 1))
	require.Len(t, f.repo.ledgerSnapshot(), 2)
}

func TestRecordMovementValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]MovementInput{
		"zero quantity":       movement(MovementInbound, 0),
		"negative quantity":   movement(MovementInbound, -5),
		"missing tenant":      {WarehouseID: 1, ProductID: 1, MovementType: MovementInbound, Quantity: 1},
		"missing product":     {TenantID: 1, WarehouseID: 1, MovementType: MovementInbound, Quantity: 1},
		"unknown type":        movement(MovementType(200), 1),
		"transfer no dir":     movement(MovementTransfer, 1),
		"bad direction":       func() MovementInput { in := movement(MovementInbound, 1); in.Direction = "SIDEWAYS"; return in }(),
		"reserved key prefix": func() MovementInput { in := movement(MovementInbound, 1); in.IdempotencyKey = "stg:abc"; return in }(),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RecordMovement(ctx, in)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	require.Empty(t, f.repo.ledgerSnapshot())
	require.Zero(t, f.catalog.calls)
}

func TestRecordMovementIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := movement(MovementInbound, 40)
	in.IdempotencyKey = "grn-1001"
	first, err := f.svc.RecordMovement(ctx, in)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)

	second, err := f.svc.RecordMovement(ctx, in)
	require.NoError(t, err)
	require.Equal(t, OutcomeIdempotencyNoop, second.Outcome)
	require.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	require.Equal(t, first.QtyOnHand, second.QtyOnHand)
	require.EqualValues(t, 40, f.repo.onHand(1, 1))
	require.Len(t, f.repo.ledgerSnapshot(), 1)

	in.Quantity = 41
	_, err = f.svc.RecordMovement(ctx, in)
	require.ErrorIs(t, err, ErrIdempotencyConflict)
	require.EqualValues(t, 40, f.repo.onHand(1, 1))
}

func TestRecordMovementReplayAfterStockDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 10))
	require.NoError(t, err)
	out := movement(MovementOutbound, 6)
	out.IdempotencyKey = "so-77"
	_, err = f.svc.RecordMovement(ctx, out)
	require.NoError(t, err)
	_, err = f.svc.RecordMovement(ctx, movement(MovementDamage, 4))
	require.NoError(t, err)

	res, err := f.svc.RecordMovement(ctx, out)
	require.NoError(t, err)
	require.Equal(t, OutcomeIdempotencyNoop, res.Outcome)
	require.EqualValues(t, 4, res.QtyOnHand)
	require.Zero(t, f.repo.onHand(1, 1))
}

func TestRecordMovementDirectionOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 10))
	require.NoError(t, err)

	in := movement(MovementAdjustmentPlus, 3)
	in.Direction = DirectionOut
	res, err := f.svc.RecordMovement(ctx, in)
	require.NoError(t, err)
	require.EqualValues(t, 7, res.QtyOnHand)

	transfer := movement(MovementTransfer, 2)
	transfer.Direction = DirectionIn
	res, err = f.svc.RecordMovement(ctx, transfer)
	require.NoError(t, err)
	require.EqualValues(t, 9, res.QtyOnHand)
}

func TestRecordMovementCatalogErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.catalog.missing[stockKey{1, 1}] = true
	_, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 1))
	require.ErrorIs(t, err, ErrNotFound)

	f.catalog.missing = map[stockKey]bool{}
	f.catalog.err = errors.New("connection refused")
	_, err = f.svc.RecordMovement(ctx, movement(MovementInbound, 1))
	require.ErrorIs(t, err, ErrStorageFailure)
	require.Empty(t, f.repo.ledgerSnapshot())
}

func TestRecordMovementDerivesAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.aggregates[stockKey{1, 1}] = AggregateQuantity{WarehouseID: 1, ProductID: 1, QtyOnHand: 10, QtyAvailable: 0, QtyAllocated: 30}

	_, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 25))
	require.NoError(t, err)
	snap, err := f.svc.GetQuantity(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 35, snap.QtyOnHand)
	require.EqualValues(t, 5, snap.QtyAvailable)
	require.EqualValues(t, 30, snap.QtyAllocated)

	_, err = f.svc.RecordMovement(ctx, movement(MovementOutbound, 20))
	require.NoError(t, err)
	snap, err = f.svc.GetQuantity(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 15, snap.QtyOnHand)
	require.Zero(t, snap.QtyAvailable)
}

func TestRecordMovementAuditAndMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := movement(MovementInbound, 12)
	in.Memo = "GRN#1"
	_, err := f.svc.RecordMovement(ctx, in)
	require.NoError(t, err)

	require.Len(t, f.audit.logs, 1)
	log := f.audit.logs[0]
	require.Equal(t, "inventory", log.ResourceType)
	require.Equal(t, "1:1", log.ResourceID)
	require.EqualValues(t, 0, log.OldValue["qty_on_hand"])
	require.EqualValues(t, 12, log.NewValue["qty_on_hand"])
	require.Equal(t, "GRN#1", log.Reason)
	require.EqualValues(t, 7, log.ActorID)
	require.Equal(t, []int64{1}, f.mirror.products)
}

func TestRecordMovementSwallowsSecondaryFailures(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("audit sink down")
	f.mirror.err = errors.New("products table locked")

	res, err := f.svc.RecordMovement(context.Background(), movement(MovementInbound, 5))
	require.NoError(t, err)
	require.EqualValues(t, 5, res.QtyOnHand)
	require.EqualValues(t, 5, f.repo.onHand(1, 1))
}

func TestRecordMovementCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 5))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, f.repo.ledgerSnapshot())
	require.Zero(t, f.repo.onHand(1, 1))
}

func TestRecordMovementConcurrentOutboundPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 100))
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RecordMovement(ctx, movement(MovementOutbound, 7))
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 14, succeeded)
	require.Equal(t, 6, insufficient)
	require.EqualValues(t, 2, f.repo.onHand(1, 1))

	ledger := f.repo.ledgerSnapshot()
	require.Len(t, ledger, 15)
	for i, entry := range ledger[1:] {
		require.EqualValues(t, 100-7*int64(i+1), entry.BalanceAfter)
		require.GreaterOrEqual(t, entry.BalanceAfter, int64(0))
	}
}

func TestListLedgerAndRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RecordMovement(ctx, movement(MovementInbound, 3))
	require.NoError(t, err)
	_, err = f.svc.RecordMovement(ctx, movement(MovementOutbound, 1))
	require.NoError(t, err)

	entries, err := f.svc.ListLedger(ctx, LedgerFilter{TenantID: 1, WarehouseID: 1, ProductID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.EqualValues(t, 2, entries[1].BalanceAfter)

	_, err = f.svc.ListLedger(ctx, LedgerFilter{TenantID: 1, WarehouseID: 1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.ListImportRuns(ctx, 0, 10)
	require.ErrorIs(t, err, ErrValidation)
}

func TestGetQuantityMissingKeyIsZero(t *testing.T) {
	f := newFixture(t)
	snap, err := f.svc.GetQuantity(context.Background(), 1, 9, 9)
	require.NoError(t, err)
	require.Zero(t, snap.QtyOnHand)
	require.Zero(t, snap.QtyAvailable)
}

func TestGetQuantityResolvesTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.aggregates[stockKey{1, 1}] = AggregateQuantity{WarehouseID: 1, ProductID: 1, QtyOnHand: 10, QtyAvailable: 10}

	_, err := f.svc.GetQuantity(ctx, 0, 1, 1)
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, f.catalog.calls)

	f.catalog.err = shared.ErrForbidden
	_, err = f.svc.GetQuantity(ctx, 2, 1, 1)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, f.catalog.calls)

	f.catalog.err = nil
	snap, err := f.svc.GetQuantity(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 10, snap.QtyOnHand)
	require.Equal(t, 2, f.catalog.calls)
}
