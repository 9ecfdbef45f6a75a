package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/httpx"
)

// ActorHeader carries the authenticated actor id set by the upstream gateway.
const ActorHeader = "X-Actor-ID"

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleRecordMovement)
	r.Get("/quantities", h.handleGetQuantity)
	r.Get("/ledger", h.handleListLedger)
	r.Route("/staging", func(r chi.Router) {
		r.Post("/rows", h.handleUploadStaging)
		r.Post("/commit", h.handleCommitStaging)
	})
	r.Get("/import-runs", h.handleListImportRuns)
}

type movementRequest struct {
	TenantID       int64  `json:"tenant_id" validate:"required,gt=0"`
	WarehouseID    int64  `json:"warehouse_id" validate:"required,gt=0"`
	ProductID      int64  `json:"product_id" validate:"required,gt=0"`
	MovementType   string `json:"movement_type" validate:"required"`
	Quantity       int64  `json:"quantity" validate:"required,gt=0"`
	Direction      string `json:"direction" validate:"omitempty,oneof=IN OUT"`
	ReferenceType  string `json:"reference_type" validate:"max=64"`
	ReferenceID    string `json:"reference_id" validate:"max=64"`
	Memo           string `json:"memo" validate:"max=1024"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

type movementResponse struct {
	LedgerEntryID int64           `json:"ledger_entry_id"`
	QtyOnHand     int64           `json:"qty_on_hand"`
	Outcome       MovementOutcome `json:"outcome"`
}

type stagingRowRequest struct {
	RowNo       int            `json:"row_no" validate:"gte=0"`
	ProductID   int64          `json:"product_id"`
	WarehouseID int64          `json:"warehouse_id" validate:"gte=0"`
	OccurredAt  string         `json:"occurred_at"`
	Memo        string         `json:"memo" validate:"max=1024"`
	Quantities  map[string]any `json:"quantities"`
}

type uploadRequest struct {
	TenantID       int64               `json:"tenant_id" validate:"required,gt=0"`
	WarehouseID    int64               `json:"warehouse_id" validate:"gte=0"`
	SourceFileName string              `json:"source_file_name" validate:"required,max=255"`
	Rows           []stagingRowRequest `json:"rows" validate:"required,min=1,dive"`
}

type uploadResponse struct {
	InsertedCount int `json:"inserted_count"`
	RejectedCount int `json:"rejected_count"`
}

type commitRequest struct {
	TenantID       int64  `json:"tenant_id" validate:"required,gt=0"`
	SourceFileName string `json:"source_file_name" validate:"max=255"`
	DryRun         bool   `json:"dry_run"`
	Limit          int    `json:"limit" validate:"gte=0"`
	PendingOnly    bool   `json:"pending_only"`
}

type movementView struct {
	WarehouseID    int64     `json:"warehouse_id"`
	ProductID      int64     `json:"product_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	RawRowNo       int       `json:"raw_row_no"`
	MovementType   string    `json:"movement_type"`
	Direction      Direction `json:"direction"`
	Quantity       int64     `json:"quantity"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type commitResponse struct {
	ImportedCount int            `json:"imported_count"`
	SkippedCount  int            `json:"skipped_count"`
	Total         int            `json:"total"`
	DryRun        bool           `json:"dry_run"`
	Sample        []movementView `json:"sample,omitempty"`
	RunID         string         `json:"run_id"`
}

type quantityResponse struct {
	WarehouseID  int64     `json:"warehouse_id"`
	ProductID    int64     `json:"product_id"`
	QtyOnHand    int64     `json:"qty_on_hand"`
	QtyAvailable int64     `json:"qty_available"`
	QtyAllocated int64     `json:"qty_allocated"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type ledgerEntryView struct {
	ID             int64          `json:"id"`
	MovementType   string         `json:"movement_type"`
	Category       LegacyCategory `json:"category"`
	Direction      Direction      `json:"direction"`
	Quantity       int64          `json:"quantity"`
	QtyChange      int64          `json:"qty_change"`
	BalanceAfter   int64          `json:"balance_after"`
	ReferenceType  string         `json:"reference_type,omitempty"`
	ReferenceID    string         `json:"reference_id,omitempty"`
	Memo           string         `json:"memo,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
	CreatedBy      int64          `json:"created_by,omitempty"`
}

type importRunView struct {
	ID             string          `json:"id"`
	SourceFileName string          `json:"source_file_name,omitempty"`
	DryRun         bool            `json:"dry_run"`
	RequestedLimit int             `json:"requested_limit"`
	SelectedCount  int             `json:"selected_count"`
	ImportedCount  int             `json:"imported_count"`
	SkippedCount   int             `json:"skipped_count"`
	Status         ImportRunStatus `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RequestedBy    int64           `json:"requested_by"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

func (h *Handler) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req movementRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	movementType, err := ParseMovementType(strings.ToUpper(strings.TrimSpace(req.MovementType)))
	if err != nil {
		h.respondError(w, r, validationError("unknown movement type %q", req.MovementType))
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	result, err := h.service.RecordMovement(r.Context(), MovementInput{
		TenantID:       req.TenantID,
		WarehouseID:    req.WarehouseID,
		ProductID:      req.ProductID,
		MovementType:   movementType,
		Quantity:       req.Quantity,
		Direction:      Direction(req.Direction),
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		Memo:           req.Memo,
		IdempotencyKey: key,
		ActorID:        actorID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Outcome == OutcomeIdempotencyNoop {
		status = http.StatusOK
	}
	httpx.JSON(w, status, movementResponse{LedgerEntryID: result.LedgerEntryID, QtyOnHand: result.QtyOnHand, Outcome: result.Outcome})
}

func (h *Handler) handleGetQuantity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, err := parseID(q.Get("tenant_id"), "tenant_id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	warehouseID, err := parseID(q.Get("warehouse_id"), "warehouse_id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	productID, err := parseID(q.Get("product_id"), "product_id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	snap, err := h.service.GetQuantity(r.Context(), tenantID, warehouseID, productID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, quantityResponse{
		WarehouseID:  snap.WarehouseID,
		ProductID:    snap.ProductID,
		QtyOnHand:    snap.QtyOnHand,
		QtyAvailable: snap.QtyAvailable,
		QtyAllocated: snap.QtyAllocated,
		UpdatedAt:    snap.UpdatedAt,
	})
}

func (h *Handler) handleListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter LedgerFilter
	var err error
	if filter.TenantID, err = parseID(q.Get("tenant_id"), "tenant_id"); err != nil {
		h.respondError(w, r, err)
		return
	}
	if filter.WarehouseID, err = parseID(q.Get("warehouse_id"), "warehouse_id"); err != nil {
		h.respondError(w, r, err)
		return
	}
	if filter.ProductID, err = parseID(q.Get("product_id"), "product_id"); err != nil {
		h.respondError(w, r, err)
		return
	}
	if from := q.Get("from"); from != "" {
		if filter.From, err = time.Parse("2006-01-02", from); err != nil {
			h.respondError(w, r, validationError("from must be YYYY-MM-DD"))
			return
		}
	}
	if to := q.Get("to"); to != "" {
		if filter.To, err = time.Parse("2006-01-02", to); err != nil {
			h.respondError(w, r, validationError("to must be YYYY-MM-DD"))
			return
		}
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	if filter.Limit, err = parseLimit(q.Get("limit"), 500); err != nil {
		h.respondError(w, r, err)
		return
	}
	entries, err := h.service.ListLedger(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]ledgerEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, ledgerEntryView{
			ID:             entry.ID,
			MovementType:   entry.MovementType.String(),
			Category:       entry.MovementType.LegacyCategory(),
			Direction:      entry.Direction,
			Quantity:       entry.Quantity,
			QtyChange:      entry.QtyChange,
			BalanceAfter:   entry.BalanceAfter,
			ReferenceType:  entry.ReferenceType,
			ReferenceID:    entry.ReferenceID,
			Memo:           entry.Memo,
			IdempotencyKey: entry.IdempotencyKey,
			CreatedAt:      entry.CreatedAt,
			CreatedBy:      entry.CreatedBy,
		})
	}
	h.logger.Info("listed ledger",
		slog.Int("count", len(views)),
		slog.Int64("warehouse_id", filter.WarehouseID),
		slog.Int64("product_id", filter.ProductID))
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (h *Handler) handleUploadStaging(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req uploadRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	rows := make([]StagingRowInput, 0, len(req.Rows))
	for i, row := range req.Rows {
		occurredAt, err := parseOccurredAt(row.OccurredAt)
		if err != nil {
			h.respondError(w, r, validationError("rows[%d].occurred_at: %v", i, err))
			return
		}
		rows = append(rows, StagingRowInput{
			RowNo:       row.RowNo,
			ProductID:   row.ProductID,
			WarehouseID: row.WarehouseID,
			OccurredAt:  occurredAt,
			Memo:        row.Memo,
			Quantities:  row.Quantities,
		})
	}
	result, err := h.service.UploadStagingRows(r.Context(), UploadInput{
		TenantID:       req.TenantID,
		WarehouseID:    req.WarehouseID,
		SourceFileName: req.SourceFileName,
		Rows:           rows,
		ActorID:        actorID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, uploadResponse{InsertedCount: result.InsertedCount, RejectedCount: result.RejectedCount})
}

func (h *Handler) handleCommitStaging(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req commitRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	result, err := h.service.CommitStaging(r.Context(), CommitInput{
		TenantID:       req.TenantID,
		SourceFileName: req.SourceFileName,
		DryRun:         req.DryRun,
		Limit:          req.Limit,
		PendingOnly:    req.PendingOnly,
		ActorID:        actorID,
		Trigger:        "manual",
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := commitResponse{
		ImportedCount: result.ImportedCount,
		SkippedCount:  result.SkippedCount,
		Total:         result.Total,
		DryRun:        result.DryRun,
		RunID:         result.RunID.String(),
	}
	for _, m := range result.Sample {
		resp.Sample = append(resp.Sample, movementView{
			WarehouseID:    m.WarehouseID,
			ProductID:      m.ProductID,
			OccurredAt:     m.OccurredAt,
			RawRowNo:       m.RawRowNo,
			MovementType:   m.MovementType.String(),
			Direction:      m.Direction,
			Quantity:       m.Quantity,
			IdempotencyKey: m.IdempotencyKey,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListImportRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, err := parseID(q.Get("tenant_id"), "tenant_id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"), maxRunListLimit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	runs, err := h.service.ListImportRuns(r.Context(), tenantID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]importRunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, importRunView{
			ID:             run.ID.String(),
			SourceFileName: run.SourceFileName,
			DryRun:         run.DryRun,
			RequestedLimit: run.RequestedLimit,
			SelectedCount:  run.SelectedCount,
			ImportedCount:  run.ImportedCount,
			SkippedCount:   run.SkippedCount,
			Status:         run.Status,
			ErrorMessage:   run.ErrorMessage,
			RequestedBy:    run.RequestedBy,
			StartedAt:      run.StartedAt,
			FinishedAt:     run.FinishedAt,
			Metadata:       run.Metadata,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return validationError("invalid JSON body: %v", err)
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fieldErr.Namespace(), fieldErr.Tag()))
			}
			return validationError("%s", strings.Join(msgs, "; "))
		}
		return validationError("%v", err)
	}
	return nil
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	level := slog.LevelInfo
	if code := CodeOf(err); code == CodeStorageFailure || code == CodeImportBatchFailed || code == "" {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "inventory request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	httpx.RespondError(w, err)
}

func actorFromRequest(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(ActorHeader))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, validationError("%s must be a positive integer", ActorHeader)
	}
	return id, nil
}

func parseID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, validationError("%s must be a positive integer", name)
	}
	return id, nil
}

func parseLimit(raw string, ceiling int) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, validationError("limit must be a non-negative integer")
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}

func parseOccurredAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
