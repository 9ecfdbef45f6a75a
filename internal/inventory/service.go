package inventory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAggregate(ctx context.Context, warehouseID, productID int64) (AggregateQuantity, error)
	ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
	InsertStagingRows(ctx context.Context, rows []StagingRow) (int, error)
	ListStagingRows(ctx context.Context, filter StagingFilter) ([]StagingRow, error)
	InsertImportRun(ctx context.Context, run ImportRun) error
	ListImportRuns(ctx context.Context, tenantID int64, limit int) ([]ImportRun, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CatalogPort confirms that a tenant owns the warehouse and product.
// Unknown or foreign references are reported with shared.ErrNotFound.
type CatalogPort interface {
	Resolve(ctx context.Context, tenantID, warehouseID, productID int64) error
}

// CatalogMirror keeps the legacy per-product stock column in step.
type CatalogMirror interface {
	MirrorOnHand(ctx context.Context, productID int64) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	StagingDefaultLimit int
	StagingMaxLimit     int
	PreviewSize         int
	LookupConcurrency   int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.StagingMaxLimit <= 0 {
		c.StagingMaxLimit = 2000
	}
	if c.StagingDefaultLimit <= 0 {
		c.StagingDefaultLimit = 500
	}
	if c.StagingDefaultLimit > c.StagingMaxLimit {
		c.StagingDefaultLimit = c.StagingMaxLimit
	}
	if c.PreviewSize <= 0 {
		c.PreviewSize = 10
	}
	if c.LookupConcurrency <= 0 {
		c.LookupConcurrency = 8
	}
	return c
}

// Deps bundles the collaborators of Service. Audit, Mirror, Metrics and
// Logger are optional.
type Deps struct {
	Repo    RepositoryPort
	Catalog CatalogPort
	Audit   AuditPort
	Mirror  CatalogMirror
	Metrics *Metrics
	Logger  *slog.Logger
}

// Service coordinates inventory operations.
type Service struct {
	repo       RepositoryPort
	catalog    CatalogPort
	guard      *IdempotencyGuard
	aggregates *AggregateStore
	recorder   *MovementRecorder
	staging    *StagingImporter
	runs       *ImportRunLedger
	logger     *slog.Logger
}

// NewService builds Service.
func NewService(deps Deps, cfg ServiceConfig) *Service {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "inventory"))
	clock := func() time.Time { return time.Now().UTC() }

	guard := NewIdempotencyGuard()
	aggregates := &AggregateStore{repo: deps.Repo, mirror: deps.Mirror, logger: logger}
	events := &eventSink{audit: deps.Audit, aggregates: aggregates, metrics: deps.Metrics, logger: logger}
	recorder := &MovementRecorder{
		repo:       deps.Repo,
		catalog:    deps.Catalog,
		guard:      guard,
		aggregates: aggregates,
		events:     events,
		now:        clock,
	}
	runs := &ImportRunLedger{repo: deps.Repo, metrics: deps.Metrics, logger: logger, now: clock, newID: uuid.New}
	staging := &StagingImporter{
		repo:     deps.Repo,
		catalog:  deps.Catalog,
		guard:    guard,
		recorder: recorder,
		runs:     runs,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      clock,
	}
	return &Service{
		repo:       deps.Repo,
		catalog:    deps.Catalog,
		guard:      guard,
		aggregates: aggregates,
		recorder:   recorder,
		staging:    staging,
		runs:       runs,
		logger:     logger,
	}
}

// RecordMovement applies one stock movement atomically.
func (s *Service) RecordMovement(ctx context.Context, in MovementInput) (MovementResult, error) {
	return s.recorder.Record(ctx, in)
}

// UploadStagingRows persists raw import rows without touching balances.
func (s *Service) UploadStagingRows(ctx context.Context, in UploadInput) (UploadResult, error) {
	return s.staging.Upload(ctx, in)
}

// CommitStaging canonicalises staged rows into ledger movements.
func (s *Service) CommitStaging(ctx context.Context, in CommitInput) (CommitResult, error) {
	return s.staging.Commit(ctx, in)
}

// RecordSkippedRun writes a SKIPPED import run for a scheduled invocation
// suppressed by the backoff window.
func (s *Service) RecordSkippedRun(ctx context.Context, in CommitInput, reason string) (ImportRun, error) {
	if in.TenantID <= 0 {
		return ImportRun{}, validationError("tenant required")
	}
	return s.runs.RecordSkipped(ctx, in, s.staging.clampLimit(in.Limit), reason)
}

// GetQuantity returns the aggregate snapshot, zero when the key never moved.
// The key must belong to the tenant.
func (s *Service) GetQuantity(ctx context.Context, tenantID, warehouseID, productID int64) (AggregateQuantity, error) {
	if tenantID <= 0 || warehouseID <= 0 || productID <= 0 {
		return AggregateQuantity{}, validationError("tenant, warehouse and product required")
	}
	if s.catalog != nil {
		if err := s.catalog.Resolve(ctx, tenantID, warehouseID, productID); err != nil {
			return AggregateQuantity{}, catalogError(err)
		}
	}
	return s.aggregates.ReadCurrent(ctx, warehouseID, productID)
}

// ListLedger lists ledger entries for one key in creation order.
func (s *Service) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	if filter.TenantID <= 0 || filter.WarehouseID <= 0 || filter.ProductID <= 0 {
		return nil, validationError("tenant, warehouse and product required")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, validationError("to must not precede from")
	}
	if s.catalog != nil {
		if err := s.catalog.Resolve(ctx, filter.TenantID, filter.WarehouseID, filter.ProductID); err != nil {
			return nil, catalogError(err)
		}
	}
	entries, err := s.repo.ListLedger(ctx, filter)
	if err != nil {
		return nil, storageError("list ledger", err)
	}
	return entries, nil
}

// ListImportRuns returns recent import runs, newest first.
func (s *Service) ListImportRuns(ctx context.Context, tenantID int64, limit int) ([]ImportRun, error) {
	if tenantID <= 0 {
		return nil, validationError("tenant required")
	}
	return s.runs.List(ctx, tenantID, limit)
}

func catalogError(err error) error {
	if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrForbidden) {
		return notFoundError(err)
	}
	return storageError("catalog lookup", err)
}
