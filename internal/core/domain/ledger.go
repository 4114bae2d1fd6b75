package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind tags the business meaning of a ledger entry.
type EntryKind string

const (
	EntryKindEarn           EntryKind = "earn"
	EntryKindRedeem         EntryKind = "redeem"
	EntryKindTopup          EntryKind = "topup"
	EntryKindAdminGrant     EntryKind = "admin_grant"
	EntryKindPayoutDebit    EntryKind = "payout_debit"
	EntryKindPayoutReversal EntryKind = "payout_reversal"
)

// EntryContextVersion is the current version of the EntryContext payload.
const EntryContextVersion = 1

// EntryContext is the structured per-kind payload stored on a ledger entry.
// Exactly one of the kind-specific fields is set, matching the entry's kind.
type EntryContext struct {
	Version    int                `json:"v"`
	Earn       *EarnContext       `json:"earn,omitempty"`
	Redeem     *RedeemContext     `json:"redeem,omitempty"`
	AdminGrant *AdminGrantContext `json:"admin_grant,omitempty"`
	Payout     *PayoutContext     `json:"payout,omitempty"`
}

// EarnContext describes a reward grant.
type EarnContext struct {
	Source    string  `json:"source,omitempty"`
	RiskScore float64 `json:"risk_score,omitempty"`
}

// RedeemContext describes a driver-to-merchant redemption.
type RedeemContext struct {
	CounterpartyOwner string `json:"counterparty_owner,omitempty"`
}

// AdminGrantContext describes an operator-initiated grant.
type AdminGrantContext struct {
	Operator string `json:"operator,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PayoutContext links a payout_debit or payout_reversal entry to its payout.
type PayoutContext struct {
	PayoutID uuid.UUID `json:"payout_id"`
}

// LedgerEntry is one immutable signed balance change. Corrections are new
// entries (e.g. payout_reversal), never updates.
type LedgerEntry struct {
	ID                    uuid.UUID     `json:"id"`
	AccountID             uuid.UUID     `json:"account_id"`
	Amount                int64         `json:"amount"` // Signed, minor units
	Kind                  EntryKind     `json:"kind"`
	CounterpartyAccountID *uuid.UUID    `json:"counterparty_account_id,omitempty"`
	ExternalRef           *string       `json:"external_ref,omitempty"`
	IdempotencyKey        *string       `json:"idempotency_key,omitempty"`
	Context               *EntryContext `json:"context,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
}

// IsCredit reports whether the entry increases the account balance.
func (e *LedgerEntry) IsCredit() bool {
	return e.Amount > 0
}
