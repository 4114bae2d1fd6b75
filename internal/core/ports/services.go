package ports

import (
	"context"

	"nova-ledger/internal/core/domain"

	"github.com/google/uuid"
)

// --- Service Ports (Business Logic) ---

// LedgerService is the only entry point for balance mutations other than
// payouts.
type LedgerService interface {
	GrantReward(ctx context.Context, req GrantRequest) (*GrantResult, error)
	AdminGrant(ctx context.Context, req AdminGrantRequest) (*GrantResult, error)
	Topup(ctx context.Context, req TopupRequest) (*MutationResult, error)
	Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error)
	GetBalance(ctx context.Context, owner domain.OwnerRef) (int64, error)
	// GetHistory lists the owner's most recent ledger entries, newest first.
	GetHistory(ctx context.Context, owner domain.OwnerRef, limit int) ([]domain.LedgerEntry, error)
}

// GrantRequest holds validated input for a reward grant.
type GrantRequest struct {
	Owner          domain.OwnerRef
	Amount         int64
	Source         string
	IdempotencyKey string
}

// AdminGrantRequest holds input for an operator-initiated grant.
type AdminGrantRequest struct {
	Owner          domain.OwnerRef
	Amount         int64
	Operator       string
	Reason         string
	IdempotencyKey string
}

// TopupRequest holds input for a balance topup.
type TopupRequest struct {
	Owner          domain.OwnerRef
	Amount         int64
	IdempotencyKey string
}

// RedeemRequest holds input for a driver-to-merchant redemption.
type RedeemRequest struct {
	From           domain.OwnerRef
	To             domain.OwnerRef
	Amount         int64
	IdempotencyKey string
}

// GrantResult is the outcome of a grant. A risk-blocked grant is a zero-effect
// success: no entry, unchanged balance, Reason set to "risk_block".
type GrantResult struct {
	Entry      *domain.LedgerEntry `json:"entry,omitempty"`
	NewBalance int64               `json:"new_balance"`
	Blocked    bool                `json:"blocked,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

// MutationResult is the outcome of a single-sided mutation.
type MutationResult struct {
	Entry      *domain.LedgerEntry `json:"entry"`
	NewBalance int64               `json:"new_balance"`
}

// RedeemResult is the outcome of an atomic two-sided transfer.
type RedeemResult struct {
	DebitEntry  *domain.LedgerEntry `json:"debit_entry"`
	CreditEntry *domain.LedgerEntry `json:"credit_entry"`
	FromBalance int64               `json:"from_balance"`
	ToBalance   int64               `json:"to_balance"`
}

// PayoutService owns the payout state machine.
type PayoutService interface {
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	GetPayoutStatus(ctx context.Context, payoutID uuid.UUID) (*PayoutStatusResult, error)
}

// PayoutRequest holds validated input for a cash-out request.
type PayoutRequest struct {
	Owner          domain.OwnerRef
	Amount         int64
	Destination    string // Provider-side destination (e.g. bank token)
	IdempotencyKey string
}

// PayoutResult is the synchronous outcome of payout creation. Status reflects
// the state after the provider call resolved, including `unknown` on timeout.
type PayoutResult struct {
	PayoutID uuid.UUID           `json:"payout_id"`
	Status   domain.PayoutStatus `json:"status"`
}

// PayoutStatusResult is the owner-facing view of a payout.
type PayoutStatusResult struct {
	PayoutID            uuid.UUID `json:"payout_id"`
	Status              string    `json:"status"`
	Reference           *string   `json:"reference,omitempty"`
	NoTransferConfirmed bool      `json:"no_transfer_confirmed"`
}

// ReconcileService resolves indeterminate payouts against the provider's
// authoritative state.
type ReconcileService interface {
	// Reconcile is idempotent and safe to call repeatedly and concurrently
	// for the same payout.
	Reconcile(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	// SweepOnce reconciles every stale unknown payout and returns how many
	// were examined.
	SweepOnce(ctx context.Context) (int, error)
}
