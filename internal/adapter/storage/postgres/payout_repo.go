package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PayoutRepo implements ports.PayoutRepository.
type PayoutRepo struct {
	pool Pool
}

// NewPayoutRepo creates a new PayoutRepo.
func NewPayoutRepo(pool Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

const payoutColumns = `id, account_id, amount, status, external_ref, no_transfer_confirmed,
		reconciled_at, idempotency_key, request_hash, created_at, updated_at`

// Create inserts a payout row within a database transaction. The partial
// unique index on idempotency_key rejects a duplicate key unless the previous
// attempt is a confirmed failure.
func (r *PayoutRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.Payout) error {
	query := `INSERT INTO payouts (id, account_id, amount, status, external_ref, no_transfer_confirmed,
		reconciled_at, idempotency_key, request_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := tx.Exec(ctx, query,
		p.ID, p.AccountID, p.Amount, p.Status, p.ExternalRef, p.NoTransferConfirmed,
		p.ReconciledAt, p.IdempotencyKey, p.RequestHash, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert payout: %w", ports.ErrDuplicateKey)
		}
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// GetByID fetches a payout by UUID (non-locking read).
func (r *PayoutRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	return scanPayout(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUpdate fetches a payout by UUID with pessimistic locking, so
// concurrent reconciler runs serialize on the row. This MUST be called within
// a transaction.
func (r *PayoutRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1 FOR UPDATE`
	return scanPayout(tx.QueryRow(ctx, query, id))
}

// GetLatestByIdempotencyKey returns the most recent payout created with the
// key, or nil.
func (r *PayoutRepo) GetLatestByIdempotencyKey(ctx context.Context, key string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE idempotency_key = $1
		ORDER BY created_at DESC LIMIT 1`
	return scanPayout(r.pool.QueryRow(ctx, query, key))
}

// UpdateOutcome transitions a payout's status and provider bookkeeping within
// a database transaction.
func (r *PayoutRepo) UpdateOutcome(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.PayoutStatus, externalRef *string, noTransferConfirmed bool, reconciledAt *time.Time) error {
	query := `UPDATE payouts SET status = $1, external_ref = COALESCE($2, external_ref),
		no_transfer_confirmed = $3, reconciled_at = COALESCE($4, reconciled_at), updated_at = NOW()
		WHERE id = $5`

	tag, err := tx.Exec(ctx, query, status, externalRef, noTransferConfirmed, reconciledAt, id)
	if err != nil {
		return fmt.Errorf("update payout outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout not found: %s", id)
	}
	return nil
}

// ListStaleUnknown returns unknown payouts not reconciled since the cutoff,
// oldest first.
func (r *PayoutRepo) ListStaleUnknown(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts
		WHERE status = 'unknown' AND COALESCE(reconciled_at, updated_at) < $1
		ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale payouts: %w", err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		var p domain.Payout
		err := rows.Scan(
			&p.ID, &p.AccountID, &p.Amount, &p.Status, &p.ExternalRef, &p.NoTransferConfirmed,
			&p.ReconciledAt, &p.IdempotencyKey, &p.RequestHash, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan payout row: %w", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payout rows: %w", err)
	}
	return payouts, nil
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	p := &domain.Payout{}
	err := row.Scan(
		&p.ID, &p.AccountID, &p.Amount, &p.Status, &p.ExternalRef, &p.NoTransferConfirmed,
		&p.ReconciledAt, &p.IdempotencyKey, &p.RequestHash, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payout: %w", err)
	}
	return p, nil
}
