package ports

import (
	"context"
	"time"

	"nova-ledger/internal/core/domain"
)

// TransferStatus is the provider-side status mapped onto this engine's model.
type TransferStatus string

const (
	TransferSucceeded TransferStatus = "succeeded"
	TransferFailed    TransferStatus = "failed"
	TransferAmbiguous TransferStatus = "ambiguous"
)

// ProviderTransfer is the provider's view of one money movement.
type ProviderTransfer struct {
	Reference string
	Status    TransferStatus
}

// PaymentProvider is the external payment provider contract. Timeouts and
// transport failures on InitiateTransfer surface as an ambiguous transfer,
// never as a hard failure: the money may or may not have moved.
type PaymentProvider interface {
	InitiateTransfer(ctx context.Context, destination string, amountMinor int64, idempotencyToken string) (*ProviderTransfer, error)
	GetTransfer(ctx context.Context, reference string) (*ProviderTransfer, error)
}

// FraudSignalSource supplies velocity/device/geo features for the risk gate.
// The engine never computes these itself.
type FraudSignalSource interface {
	Signals(ctx context.Context, owner domain.OwnerRef) (domain.FraudSignals, error)
}

// RiskGate is consulted before a reward-granting mutation commits. It is
// stateless per call.
type RiskGate interface {
	Assess(ctx context.Context, account *domain.Account, signals domain.FraudSignals) domain.RiskAssessment
}

// EventSink receives audit events for external compliance review. Delivery is
// best-effort; failures are logged, never propagated to the caller.
type EventSink interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached envelope or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
