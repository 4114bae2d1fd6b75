package dto

// GrantRequest is the request body for platform-triggered reward grants.
type GrantRequest struct {
	OwnerType string `json:"owner_type" binding:"required,oneof=DRIVER MERCHANT"`
	OwnerID   string `json:"owner_id" binding:"required,max=100,safe_id"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Source    string `json:"source" binding:"required,max=100,safe_id"`
}

// AdminGrantRequest is the request body for operator-initiated grants.
type AdminGrantRequest struct {
	OwnerType string `json:"owner_type" binding:"required,oneof=DRIVER MERCHANT"`
	OwnerID   string `json:"owner_id" binding:"required,max=100,safe_id"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reason    string `json:"reason" binding:"required,max=255"`
}

// TopupRequest is the request body for a balance topup.
type TopupRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// RedeemRequest is the request body for a driver-to-merchant redemption.
type RedeemRequest struct {
	MerchantID string `json:"merchant_id" binding:"required,max=100,safe_id"`
	Amount     int64  `json:"amount" binding:"required,gt=0"`
}

// PayoutRequest is the request body for a cash-out request.
type PayoutRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Destination string `json:"destination" binding:"required,max=255"`
}

// EntryResponse is the wire form of one ledger entry.
type EntryResponse struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

// GrantResponse is the response for grant operations. A risk-blocked grant
// returns Blocked=true with no entry.
type GrantResponse struct {
	Entry      *EntryResponse `json:"entry,omitempty"`
	NewBalance int64          `json:"new_balance"`
	Blocked    bool           `json:"blocked,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// MutationResponse is the response for single-sided mutations.
type MutationResponse struct {
	Entry      *EntryResponse `json:"entry"`
	NewBalance int64          `json:"new_balance"`
}

// RedeemResponse is the response for a redemption.
type RedeemResponse struct {
	DebitEntry  *EntryResponse `json:"debit_entry"`
	CreditEntry *EntryResponse `json:"credit_entry"`
	NewBalance  int64          `json:"new_balance"`
}

// BalanceResponse is the response for a balance query.
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

// HistoryResponse wraps a ledger history listing.
type HistoryResponse struct {
	Entries []EntryResponse `json:"entries"`
}

// PayoutResponse is the response for payout creation.
type PayoutResponse struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
}

// PayoutStatusResponse is the owner-facing payout view.
type PayoutStatusResponse struct {
	PayoutID            string  `json:"payout_id"`
	Status              string  `json:"status"`
	Reference           *string `json:"reference,omitempty"`
	NoTransferConfirmed bool    `json:"no_transfer_confirmed"`
}
