package postgres

import (
	"context"
	"errors"
	"fmt"

	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IdempotencyRepo implements ports.IdempotencyRepository.
type IdempotencyRepo struct {
	pool Pool
}

// NewIdempotencyRepo creates a new IdempotencyRepo.
func NewIdempotencyRepo(pool Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Create inserts an idempotency record within a database transaction. The
// caller commits it atomically with the ledger write it guards.
func (r *IdempotencyRepo) Create(ctx context.Context, tx pgx.Tx, rec *domain.IdempotencyRecord) error {
	query := `INSERT INTO idempotency_records (operation_type, key, request_hash, response_json, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := tx.Exec(ctx, query,
		rec.OperationType, rec.Key, rec.RequestHash, rec.ResponseJSON, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert idempotency record: %w", ports.ErrDuplicateKey)
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// Get fetches an idempotency record by operation type and key. Expired
// records are treated as absent.
func (r *IdempotencyRepo) Get(ctx context.Context, op domain.OperationType, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT operation_type, key, request_hash, response_json, created_at, expires_at
		FROM idempotency_records WHERE operation_type = $1 AND key = $2 AND expires_at > NOW()`

	rec := &domain.IdempotencyRecord{}
	err := r.pool.QueryRow(ctx, query, op, key).Scan(
		&rec.OperationType, &rec.Key, &rec.RequestHash, &rec.ResponseJSON, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}
