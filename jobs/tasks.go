package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInventoryStagingCommit commits pending staging rows for one tenant.
	TaskInventoryStagingCommit = "inventory:staging_commit"
	// TaskInventoryLedgerIntegrity compares aggregates against the ledger.
	TaskInventoryLedgerIntegrity = "inventory:ledger_integrity"
)

// StagingCommitPayload describes a scheduled staging commit.
type StagingCommitPayload struct {
	TenantID       int64  `json:"tenantId"`
	SourceFileName string `json:"sourceFileName,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// NewStagingCommitTask constructs an Asynq task for a staging commit.
func NewStagingCommitTask(payload StagingCommitPayload) (*asynq.Task, error) {
	if payload.TenantID <= 0 {
		return nil, errors.New("jobs: staging commit requires a tenant")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryStagingCommit, body,
		asynq.Queue(QueueDefault),
		asynq.Timeout(10*time.Minute),
	), nil
}

// LedgerIntegrityPayload bounds a reconciliation sweep.
type LedgerIntegrityPayload struct {
	Limit int `json:"limit,omitempty"`
}

// NewLedgerIntegrityTask constructs an Asynq task for the ledger integrity sweep.
func NewLedgerIntegrityTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerIntegrityPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// StagingCommitSchedule expands one cron registration per enrolled tenant.
func StagingCommitSchedule(spec string, tenants []int64) ([]CronRegistration, error) {
	if spec == "" {
		return nil, nil
	}
	entries := make([]CronRegistration, 0, len(tenants))
	for _, tenant := range tenants {
		task, err := NewStagingCommitTask(StagingCommitPayload{TenantID: tenant})
		if err != nil {
			return nil, err
		}
		entries = append(entries, CronRegistration{
			Spec:    spec,
			Task:    task,
			Options: []asynq.Option{asynq.MaxRetry(0)},
		})
	}
	return entries, nil
}
