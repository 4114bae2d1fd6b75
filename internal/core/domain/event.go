package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an audit event published to the external sink.
type EventType string

const (
	EventRiskBlock        EventType = "risk.block"
	EventPayoutReconciled EventType = "payout.reconciled"
	EventAdminMutation    EventType = "admin.mutation"
)

// Event is one audit record emitted for external compliance review.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       EventType         `json:"type"`
	AccountID  *uuid.UUID        `json:"account_id,omitempty"`
	ResourceID string            `json:"resource_id,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewEvent constructs an event with a fresh id and timestamp.
func NewEvent(typ EventType, accountID *uuid.UUID, resourceID string, detail map[string]string) *Event {
	return &Event{
		ID:         uuid.New(),
		Type:       typ,
		AccountID:  accountID,
		ResourceID: resourceID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
}
