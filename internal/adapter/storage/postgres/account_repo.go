package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nova-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct {
	pool Pool
}

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, owner_type, owner_id, balance, active, created_at, updated_at`

// GetByOwner fetches an account by owner reference (non-locking read).
func (r *AccountRepo) GetByOwner(ctx context.Context, owner domain.OwnerRef) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_type = $1 AND owner_id = $2`
	return scanAccount(r.pool.QueryRow(ctx, query, owner.Type, owner.ID))
}

// GetByID fetches an account by its UUID (non-locking read).
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, id))
}

// GetOrCreateForUpdate locks the account row for the owner, creating it with
// zero balance on first use. This MUST be called within a transaction.
func (r *AccountRepo) GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, owner domain.OwnerRef) (*domain.Account, error) {
	now := time.Now().UTC()
	insert := `INSERT INTO accounts (id, owner_type, owner_id, balance, active, created_at, updated_at)
		VALUES ($1, $2, $3, 0, TRUE, $4, $4)
		ON CONFLICT (owner_type, owner_id) DO NOTHING`

	if _, err := tx.Exec(ctx, insert, uuid.New(), owner.Type, owner.ID, now); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_type = $1 AND owner_id = $2 FOR UPDATE`
	a, err := scanAccount(tx.QueryRow(ctx, query, owner.Type, owner.ID))
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("account vanished after ensure: %s/%s", owner.Type, owner.ID)
	}
	return a, nil
}

// GetByIDForUpdate fetches an account by ID with pessimistic locking.
// This MUST be called within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(tx.QueryRow(ctx, query, id))
}

// UpdateBalance sets an account's cached balance within a transaction. The
// accounts table carries a CHECK (balance >= 0) so a racing debit that slipped
// past the service check still fails closed.
func (r *AccountRepo) UpdateBalance(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, newBalance int64) error {
	query := `UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`

	tag, err := tx.Exec(ctx, query, newBalance, accountID)
	if err != nil {
		return fmt.Errorf("update account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account not found: %s", accountID)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	a := &domain.Account{}
	err := row.Scan(
		&a.ID, &a.OwnerType, &a.OwnerID, &a.Balance,
		&a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}
