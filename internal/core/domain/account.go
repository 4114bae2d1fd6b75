package domain

import (
	"time"

	"github.com/google/uuid"
)

// OwnerType distinguishes the two account populations.
type OwnerType string

const (
	OwnerTypeDriver   OwnerType = "DRIVER"
	OwnerTypeMerchant OwnerType = "MERCHANT"
)

// OwnerRef identifies an account owner as supplied by the request
// authenticator. Accounts are keyed by (type, id) and created lazily on
// first mutation.
type OwnerRef struct {
	Type OwnerType `json:"type"`
	ID   string    `json:"id"`
}

// Account holds a Nova balance in integer minor units. The balance is the
// cached sum of all committed ledger entries for the account and must never
// go negative. Accounts are never deleted, only deactivated.
type Account struct {
	ID        uuid.UUID `json:"id"`
	OwnerType OwnerType `json:"owner_type"`
	OwnerID   string    `json:"owner_id"`
	Balance   int64     `json:"balance"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
