package inventory

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	maxIdempotencyKeyLen = 128
	stagingKeyPrefix     = "stg:"
	autoKeyPrefix        = "auto:"
)

// IdempotencyGuard computes and validates deduplication keys. Uniqueness
// itself is enforced by the ledger's (tenant_id, idempotency_key) constraint.
type IdempotencyGuard struct {
	newID func() uuid.UUID
}

// NewIdempotencyGuard constructs the guard.
func NewIdempotencyGuard() *IdempotencyGuard {
	return &IdempotencyGuard{newID: uuid.New}
}

// Normalize validates a caller supplied key. Empty input yields a generated
// key so that every ledger row carries one.
func (g *IdempotencyGuard) Normalize(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return autoKeyPrefix + g.newID().String(), nil
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", validationError("idempotency key longer than %d bytes", maxIdempotencyKeyLen)
	}
	if strings.HasPrefix(key, stagingKeyPrefix) || strings.HasPrefix(key, autoKeyPrefix) {
		return "", validationError("idempotency key prefix %q is reserved", key[:strings.Index(key, ":")+1])
	}
	for _, r := range key {
		if !unicode.IsPrint(r) {
			return "", validationError("idempotency key contains non-printable characters")
		}
	}
	return key, nil
}

// StagingKey derives the deterministic key of a synthesized movement. The same
// staged content always hashes to the same key.
func (g *IdempotencyGuard) StagingKey(m SynthesizedMovement) string {
	fields := []string{
		strconv.FormatInt(m.TenantID, 10),
		strconv.FormatInt(m.WarehouseID, 10),
		strconv.FormatInt(m.ProductID, 10),
		m.OccurredAt.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(m.RawRowNo),
		m.MovementType.String(),
		string(m.Direction),
		strconv.FormatInt(m.Quantity, 10),
		m.SourceFileName,
	}
	sum := blake2b.Sum256([]byte(strings.Join(fields, "\x1f")))
	return stagingKeyPrefix + hex.EncodeToString(sum[:])
}

// SamePayload reports whether a stored entry was produced by an identical request.
func (g *IdempotencyGuard) SamePayload(stored LedgerEntry, in MovementInput) bool {
	return stored.TenantID == in.TenantID &&
		stored.WarehouseID == in.WarehouseID &&
		stored.ProductID == in.ProductID &&
		stored.MovementType == in.MovementType &&
		stored.Direction == in.Direction &&
		stored.Quantity == in.Quantity &&
		stored.ReferenceType == in.ReferenceType &&
		stored.ReferenceID == in.ReferenceID &&
		stored.Memo == in.Memo
}
