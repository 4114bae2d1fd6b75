package ports

import (
	"context"
	"errors"
	"time"

	"nova-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrDuplicateKey is returned by Create methods when a uniqueness constraint
// rejects the row. It signals that a racing retry committed the same key
// first; the caller re-reads and replays the stored outcome instead of
// surfacing an internal error.
var ErrDuplicateKey = errors.New("duplicate key")

// AccountRepository defines persistence operations for accounts.
// Methods accepting pgx.Tx are used inside transaction blocks for pessimistic
// locking; every balance-affecting read goes through a ForUpdate variant.
type AccountRepository interface {
	GetByOwner(ctx context.Context, owner domain.OwnerRef) (*domain.Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	// GetOrCreateForUpdate locks the account row for the owner, creating it
	// with zero balance if it does not exist yet.
	GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, owner domain.OwnerRef) (*domain.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, newBalance int64) error
}

// LedgerRepository defines persistence for the append-only ledger.
type LedgerRepository interface {
	Create(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
	// SumDebitsSince returns the total magnitude of entries of the given kind
	// written for the account since the cutoff. Used for the rolling daily
	// payout cap; must run inside the mutation's transaction.
	SumDebitsSince(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, kind domain.EntryKind, since time.Time) (int64, error)
	// ReversalExists reports whether a payout_reversal entry for the payout is
	// already committed.
	ReversalExists(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID) (bool, error)
}

// PayoutRepository defines persistence for payout rows. The payout state
// machine owns creation; the reconciler only transitions existing rows.
type PayoutRepository interface {
	Create(ctx context.Context, tx pgx.Tx, payout *domain.Payout) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payout, error)
	// GetLatestByIdempotencyKey returns the most recent payout created with
	// the key, or nil.
	GetLatestByIdempotencyKey(ctx context.Context, key string) (*domain.Payout, error)
	// UpdateOutcome transitions a payout's status and provider bookkeeping.
	UpdateOutcome(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.PayoutStatus, externalRef *string, noTransferConfirmed bool, reconciledAt *time.Time) error
	// ListStaleUnknown returns unknown payouts untouched since the cutoff,
	// oldest first.
	ListStaleUnknown(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payout, error)
}

// IdempotencyRepository defines persistence for idempotency records. Create
// must participate in the same transaction as the ledger write it guards.
type IdempotencyRepository interface {
	Get(ctx context.Context, op domain.OperationType, key string) (*domain.IdempotencyRecord, error)
	Create(ctx context.Context, tx pgx.Tx, rec *domain.IdempotencyRecord) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
