package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const backoffKeyPrefix = "inventory:import:backoff:"

// BackoffGate remembers recent failed staging commits per tenant.
type BackoffGate struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewBackoffGate constructs a gate. A nil client or non-positive ttl
// disables it.
func NewBackoffGate(client redis.Cmdable, ttl time.Duration) *BackoffGate {
	return &BackoffGate{client: client, ttl: ttl}
}

func backoffKey(tenantID int64) string {
	return fmt.Sprintf("%s%d", backoffKeyPrefix, tenantID)
}

// Active reports whether the tenant is inside its backoff window and how long
// remains.
func (g *BackoffGate) Active(ctx context.Context, tenantID int64) (bool, time.Duration, error) {
	if g == nil || g.client == nil || g.ttl <= 0 {
		return false, 0, nil
	}
	ttl, err := g.client.PTTL(ctx, backoffKey(tenantID)).Result()
	if err != nil {
		return false, 0, err
	}
	switch {
	case ttl == -2: // missing key
		return false, 0, nil
	case ttl < 0: // key without expiry
		return true, g.ttl, nil
	}
	return true, ttl, nil
}

// Arm opens the backoff window after a failed attempt.
func (g *BackoffGate) Arm(ctx context.Context, tenantID int64, reason string) error {
	if g == nil || g.client == nil || g.ttl <= 0 {
		return nil
	}
	return g.client.Set(ctx, backoffKey(tenantID), reason, g.ttl).Err()
}

// Clear closes the window after a successful attempt.
func (g *BackoffGate) Clear(ctx context.Context, tenantID int64) error {
	if g == nil || g.client == nil {
		return nil
	}
	err := g.client.Del(ctx, backoffKey(tenantID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
