package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	TenantID     int64
	ActorID      int64
	Action       string
	ResourceType string
	ResourceID   string
	OldValue     map[string]any
	NewValue     map[string]any
	Reason       string
	Meta         map[string]any
	At           time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Validate checks the mandatory fields.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.ResourceType == "" || l.ResourceID == "" {
		return errors.New("audit log requires action/resource_type/resource_id")
	}
	return nil
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	oldJSON, err := marshalOptional(log.OldValue)
	if err != nil {
		return err
	}
	newJSON, err := marshalOptional(log.NewValue)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (tenant_id, actor_id, action, resource_type, resource_id, old_value, new_value, reason, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, COALESCE($10, NOW()))`,
		log.TenantID, log.ActorID, log.Action, log.ResourceType, log.ResourceID, oldJSON, newJSON, log.Reason, metaJSON, at)
	return err
}

func marshalOptional(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
