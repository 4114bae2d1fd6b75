package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutStatus is the lifecycle state of a cash-out request.
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusSucceeded PayoutStatus = "succeeded"
	PayoutStatusFailed    PayoutStatus = "failed"
	PayoutStatusUnknown   PayoutStatus = "unknown"
)

// Payout models one cash-out request against the external payment provider.
// The debit is reserved locally before the provider call; `unknown` means the
// provider outcome is indeterminate and only the reconciler may resolve it.
type Payout struct {
	ID                  uuid.UUID    `json:"id"`
	AccountID           uuid.UUID    `json:"account_id"`
	Amount              int64        `json:"amount"`
	Status              PayoutStatus `json:"status"`
	ExternalRef         *string      `json:"external_ref,omitempty"`
	NoTransferConfirmed bool         `json:"no_transfer_confirmed"`
	ReconciledAt        *time.Time   `json:"reconciled_at,omitempty"`
	IdempotencyKey      string       `json:"idempotency_key"`
	RequestHash         string       `json:"-"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// IsTerminal reports whether automatic transitions are finished. An `unknown`
// payout is terminal for the state machine but not for the reconciler.
func (p *Payout) IsTerminal() bool {
	return p.Status == PayoutStatusSucceeded || p.Status == PayoutStatusFailed
}

// Retryable reports whether a new attempt with the same idempotency key is
// permitted: only a failure the provider explicitly confirmed.
func (p *Payout) Retryable() bool {
	return p.Status == PayoutStatusFailed && p.NoTransferConfirmed
}

// DisplayStatus is the owner-facing status string. An unresolved payout is
// presented as processing, never as failed.
func (p *Payout) DisplayStatus() string {
	if p.Status == PayoutStatusUnknown || p.Status == PayoutStatusPending {
		return "processing"
	}
	return string(p.Status)
}

// ProviderTokenFor returns the idempotency token sent to the provider for a
// payout. It doubles as the lookup reference when the provider never returned
// one.
func ProviderTokenFor(payoutID uuid.UUID) string {
	return "nova-payout-" + payoutID.String()
}
