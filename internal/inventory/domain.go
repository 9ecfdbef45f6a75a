package inventory

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is one immutable, signed stock movement.
type LedgerEntry struct {
	ID             int64
	TenantID       int64
	WarehouseID    int64
	ProductID      int64
	MovementType   MovementType
	Direction      Direction
	Quantity       int64
	QtyChange      int64
	BalanceAfter   int64
	ReferenceType  string
	ReferenceID    string
	Memo           string
	IdempotencyKey string
	CreatedAt      time.Time
	CreatedBy      int64
}

// AggregateQuantity is the balance snapshot for one warehouse and product.
type AggregateQuantity struct {
	WarehouseID  int64
	ProductID    int64
	QtyOnHand    int64
	QtyAvailable int64
	QtyAllocated int64
	UpdatedAt    time.Time
}

// DeriveAvailable computes available stock from on-hand and allocated.
func DeriveAvailable(onHand, allocated int64) int64 {
	if v := onHand - allocated; v > 0 {
		return v
	}
	return 0
}

// StagingQuantities carries the twelve raw per-day quantity columns.
type StagingQuantities struct {
	OpeningStock       int64 `json:"opening_stock"`
	InboundQty         int64 `json:"inbound_qty"`
	DisposalQty        int64 `json:"disposal_qty"`
	DamageQty          int64 `json:"damage_qty"`
	ReturnB2CQty       int64 `json:"return_b2c_qty"`
	OutboundQty        int64 `json:"outbound_qty"`
	AdjustmentPlusQty  int64 `json:"adjustment_plus_qty"`
	AdjustmentMinusQty int64 `json:"adjustment_minus_qty"`
	BundleBreakInQty   int64 `json:"bundle_break_in_qty"`
	BundleBreakOutQty  int64 `json:"bundle_break_out_qty"`
	ExportPickupQty    int64 `json:"export_pickup_qty"`
	OutboundCancelQty  int64 `json:"outbound_cancel_qty"`
}

// IsZero reports whether every column is zero.
func (q StagingQuantities) IsZero() bool {
	return q == StagingQuantities{}
}

// StagingRow is a raw bulk-import row awaiting canonicalisation.
type StagingRow struct {
	ID             int64
	TenantID       int64
	WarehouseID    int64
	ProductID      int64
	OccurredAt     time.Time
	RawRowNo       int
	SourceFileName string
	Memo           string
	Quantities     StagingQuantities
	CreatedAt      time.Time
}

// ImportRunStatus is the outcome of one batch invocation.
type ImportRunStatus string

const (
	ImportRunSuccess ImportRunStatus = "SUCCESS"
	ImportRunFailed  ImportRunStatus = "FAILED"
	// ImportRunSkipped is reserved for scheduled invocations inside a backoff window.
	ImportRunSkipped ImportRunStatus = "SKIPPED"
)

// ImportRun records one commitStaging invocation.
type ImportRun struct {
	ID             uuid.UUID
	TenantID       int64
	SourceFileName string
	DryRun         bool
	RequestedLimit int
	SelectedCount  int
	ImportedCount  int
	SkippedCount   int
	Status         ImportRunStatus
	ErrorMessage   string
	RequestedBy    int64
	StartedAt      time.Time
	FinishedAt     time.Time
	Metadata       map[string]any
}

// MovementInput describes a single movement request.
type MovementInput struct {
	TenantID       int64
	WarehouseID    int64
	ProductID      int64
	MovementType   MovementType
	Quantity       int64
	Direction      Direction
	ReferenceType  string
	ReferenceID    string
	Memo           string
	IdempotencyKey string
	ActorID        int64
}

// MovementOutcome distinguishes a fresh application from an idempotent replay.
type MovementOutcome string

const (
	OutcomeApplied         MovementOutcome = "APPLIED"
	OutcomeIdempotencyNoop MovementOutcome = "IDEMPOTENCY_NOOP"
)

// MovementResult is returned by RecordMovement.
type MovementResult struct {
	LedgerEntryID int64
	QtyOnHand     int64
	Outcome       MovementOutcome
}

// StagingRowInput is one uploaded row before persistence. Quantities holds
// the raw cell values keyed by column name; they are coerced on upload.
type StagingRowInput struct {
	RowNo       int
	ProductID   int64
	WarehouseID int64
	OccurredAt  time.Time
	Memo        string
	Quantities  map[string]any
}

// UploadInput describes an uploadStagingRows call.
type UploadInput struct {
	TenantID       int64
	WarehouseID    int64
	SourceFileName string
	Rows           []StagingRowInput
	ActorID        int64
}

// UploadResult reports how many rows were staged.
type UploadResult struct {
	InsertedCount int
	RejectedCount int
}

// CommitInput describes a commitStaging call.
type CommitInput struct {
	TenantID       int64
	SourceFileName string
	DryRun         bool
	Limit          int
	ActorID        int64
	Trigger        string
	// PendingOnly skips rows whose movements are already in the ledger and
	// rows whose cells are all zero, so repeated calls advance through the file.
	PendingOnly    bool
}

// SynthesizedMovement is a canonical movement derived from a staging row.
type SynthesizedMovement struct {
	StagingRowID   int64
	TenantID       int64
	WarehouseID    int64
	ProductID      int64
	OccurredAt     time.Time
	RawRowNo       int
	SourceFileName string
	MovementType   MovementType
	Direction      Direction
	Quantity       int64
	Memo           string
	IdempotencyKey string
}

// QtyChange returns the signed change of the movement.
func (m SynthesizedMovement) QtyChange() int64 {
	return m.Direction.Signed(m.Quantity)
}

// CommitResult reports the outcome of commitStaging.
type CommitResult struct {
	ImportedCount int
	SkippedCount  int
	Total         int
	DryRun        bool
	Sample        []SynthesizedMovement
	RunID         uuid.UUID
}

// LedgerFilter narrows ledger listings.
type LedgerFilter struct {
	TenantID    int64
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Limit       int
}

// StagingFilter selects staging rows for commit.
type StagingFilter struct {
	TenantID       int64
	SourceFileName string
	Limit          int
	PendingOnly    bool
}

// KeyChange captures the on-hand before and after a batch for one key.
type KeyChange struct {
	WarehouseID int64
	ProductID   int64
	OldOnHand   int64
	NewOnHand   int64
}

// Drift reports an aggregate whose on-hand disagrees with the sum of its
// ledger entries.
type Drift struct {
	WarehouseID int64 `json:"warehouseId"`
	ProductID   int64 `json:"productId"`
	QtyOnHand   int64 `json:"qtyOnHand"`
	LedgerSum   int64 `json:"ledgerSum"`
}
