package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// OperationType scopes idempotency keys per exposed mutation.
type OperationType string

const (
	OperationGrant      OperationType = "grant"
	OperationRedeem     OperationType = "redeem"
	OperationTopup      OperationType = "topup"
	OperationAdminGrant OperationType = "admin_grant"
	OperationPayout     OperationType = "payout"
)

// IdempotencyRecord stores the outcome of one completed mutation, keyed by
// (operation_type, key). A record with the same key but a different request
// hash is a caller bug, never a retry.
type IdempotencyRecord struct {
	OperationType OperationType `json:"operation_type"`
	Key           string        `json:"key"`
	RequestHash   string        `json:"request_hash"`
	ResponseJSON  []byte        `json:"response_json"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// FingerprintRequest hashes a normalized request payload for idempotency
// comparison.
func FingerprintRequest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
