package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-wms/internal/jobs"
	"github.com/odyssey-erp/odyssey-wms/internal/inventory"
)

// TriggerScheduler marks runs started by the cron scheduler.
const TriggerScheduler = "scheduler"

// StagingCommitter is the slice of the inventory service the job drives.
type StagingCommitter interface {
	CommitStaging(ctx context.Context, in inventory.CommitInput) (inventory.CommitResult, error)
	RecordSkippedRun(ctx context.Context, in inventory.CommitInput, reason string) (inventory.ImportRun, error)
}

// StagingCommitJob commits staged rows on a schedule, backing off after failures.
type StagingCommitJob struct {
	Service StagingCommitter
	Gate    *BackoffGate
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStagingCommitJob wires dependencies for the staging commit handler.
func NewStagingCommitJob(service StagingCommitter, gate *BackoffGate, logger *slog.Logger, metrics *jobmetrics.Metrics) *StagingCommitJob {
	return &StagingCommitJob{Service: service, Gate: gate, Logger: logger, Metrics: metrics}
}

// Handle processes TaskInventoryStagingCommit tasks.
func (j *StagingCommitJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("staging commit: handler not configured")
	}
	var payload StagingCommitPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.TenantID <= 0 {
		return fmt.Errorf("staging commit: bad payload: %w", asynq.SkipRetry)
	}
	_, err := j.Run(ctx, payload)
	if err != nil {
		// The backoff gate decides when the next scheduled attempt may run.
		return fmt.Errorf("staging commit: %w: %w", err, asynq.SkipRetry)
	}
	return nil
}

// Run executes one scheduled commit. A tenant inside its backoff window gets
// a SKIPPED import run instead of a commit.
func (j *StagingCommitJob) Run(ctx context.Context, payload StagingCommitPayload) (result inventory.CommitResult, err error) {
	in := inventory.CommitInput{
		TenantID:       payload.TenantID,
		SourceFileName: payload.SourceFileName,
		Limit:          payload.Limit,
		Trigger:        TriggerScheduler,
		PendingOnly:    true,
	}
	logger := j.logger().With(slog.Int64("tenant_id", payload.TenantID))

	active, remaining, gateErr := j.Gate.Active(ctx, payload.TenantID)
	if gateErr != nil {
		logger.Warn("backoff gate unavailable, running commit", slog.Any("error", gateErr))
	}
	if active {
		reason := fmt.Sprintf("previous attempt failed; backoff active for %s", remaining.Round(time.Second))
		run, err := j.Service.RecordSkippedRun(ctx, in, reason)
		if err != nil {
			return inventory.CommitResult{}, err
		}
		j.Metrics.Skip(TaskInventoryStagingCommit)
		logger.Info("staging commit skipped", slog.String("run_id", run.ID.String()), slog.Duration("remaining", remaining))
		return inventory.CommitResult{RunID: run.ID}, nil
	}

	tracker := j.Metrics.Track(TaskInventoryStagingCommit)
	defer func() {
		err = tracker.End(err)
	}()

	result, err = j.Service.CommitStaging(ctx, in)
	if err != nil {
		if armErr := j.Gate.Arm(ctx, payload.TenantID, err.Error()); armErr != nil {
			logger.Warn("arm backoff gate", slog.Any("error", armErr))
		}
		logger.Error("staging commit failed", slog.Any("error", err))
		return result, err
	}
	if clearErr := j.Gate.Clear(ctx, payload.TenantID); clearErr != nil {
		logger.Warn("clear backoff gate", slog.Any("error", clearErr))
	}
	logger.Info("staging commit completed",
		slog.String("run_id", result.RunID.String()),
		slog.Int("total", result.Total),
		slog.Int("imported", result.ImportedCount),
		slog.Int("skipped", result.SkippedCount))
	return result, nil
}

func (j *StagingCommitJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
