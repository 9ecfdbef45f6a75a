package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 500
	runWriteTimeout     = 5 * time.Second
)

// ImportRunLedger appends one ImportRun per commit invocation.
type ImportRunLedger struct {
	repo    RepositoryPort
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() uuid.UUID
}

func (l *ImportRunLedger) begin(in CommitInput, limit int) ImportRun {
	meta := map[string]any{}
	if in.Trigger != "" {
		meta["trigger"] = in.Trigger
	}
	if in.DryRun {
		meta["dryRun"] = true
	}
	if in.PendingOnly {
		meta["pendingOnly"] = true
	}
	return ImportRun{
		ID:             l.newID(),
		TenantID:       in.TenantID,
		SourceFileName: in.SourceFileName,
		DryRun:         in.DryRun,
		RequestedLimit: limit,
		RequestedBy:    in.ActorID,
		StartedAt:      l.now(),
		Metadata:       meta,
	}
}

// finish stamps the run as SUCCESS or FAILED depending on cause.
func (l *ImportRunLedger) finish(run ImportRun, cause error) ImportRun {
	run.FinishedAt = l.now()
	if cause != nil {
		run.Status = ImportRunFailed
		run.ErrorMessage = cause.Error()
		run.ImportedCount = 0
		run.SkippedCount = 0
		if code := CodeOf(cause); code != "" {
			run.Metadata["errorCode"] = string(code)
		}
		return run
	}
	run.Status = ImportRunSuccess
	return run
}

// write persists a run outside any batch transaction. The caller may already
// be cancelled, so the write gets its own short deadline.
func (l *ImportRunLedger) write(ctx context.Context, run ImportRun) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runWriteTimeout)
	defer cancel()
	if err := l.repo.InsertImportRun(ctx, run); err != nil {
		l.logger.Error("import run write failed",
			slog.String("run_id", run.ID.String()),
			slog.String("status", string(run.Status)),
			slog.Any("error", err))
		return storageError("insert import run", err)
	}
	l.metrics.observeRun(run.Status)
	return nil
}

func (l *ImportRunLedger) writeInTx(ctx context.Context, tx TxRepository, run ImportRun) error {
	if err := tx.InsertImportRun(ctx, run); err != nil {
		return storageError("insert import run", err)
	}
	return nil
}

// RecordSkipped writes a SKIPPED run for a scheduled invocation that declined
// to run inside its backoff window.
func (l *ImportRunLedger) RecordSkipped(ctx context.Context, in CommitInput, limit int, reason string) (ImportRun, error) {
	run := l.begin(in, limit)
	run.Status = ImportRunSkipped
	run.ErrorMessage = reason
	run.FinishedAt = run.StartedAt
	if err := l.write(ctx, run); err != nil {
		return ImportRun{}, err
	}
	return run, nil
}

// List returns recent runs newest first.
func (l *ImportRunLedger) List(ctx context.Context, tenantID int64, limit int) ([]ImportRun, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}
	runs, err := l.repo.ListImportRuns(ctx, tenantID, limit)
	if err != nil {
		return nil, storageError("list import runs", err)
	}
	return runs, nil
}
