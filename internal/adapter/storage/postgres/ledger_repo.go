package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nova-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LedgerRepo implements ports.LedgerRepository. Entries are append-only:
// there is no update or delete path.
type LedgerRepo struct {
	pool Pool
}

// NewLedgerRepo creates a new LedgerRepo.
func NewLedgerRepo(pool Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// Create inserts a ledger entry within a database transaction.
func (r *LedgerRepo) Create(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	var ctxJSON []byte
	if e.Context != nil {
		var err error
		ctxJSON, err = json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("marshal entry context: %w", err)
		}
	}

	query := `INSERT INTO ledger_entries (id, account_id, amount, kind, counterparty_account_id,
		external_ref, idempotency_key, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := tx.Exec(ctx, query,
		e.ID, e.AccountID, e.Amount, e.Kind, e.CounterpartyAccountID,
		e.ExternalRef, e.IdempotencyKey, ctxJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ListByAccount fetches the most recent entries for an account.
func (r *LedgerRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT id, account_id, amount, kind, counterparty_account_id,
		external_ref, idempotency_key, context, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var ctxJSON []byte
		err := rows.Scan(
			&e.ID, &e.AccountID, &e.Amount, &e.Kind, &e.CounterpartyAccountID,
			&e.ExternalRef, &e.IdempotencyKey, &ctxJSON, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if len(ctxJSON) > 0 {
			e.Context = &domain.EntryContext{}
			if err := json.Unmarshal(ctxJSON, e.Context); err != nil {
				return nil, fmt.Errorf("unmarshal entry context: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

// SumDebitsSince returns the total magnitude of entries of the given kind for
// the account since the cutoff. Runs on the caller's transaction so the cap
// check is serialized with the debit it guards.
func (r *LedgerRepo) SumDebitsSince(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, kind domain.EntryKind, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(ABS(amount)), 0) FROM ledger_entries
		WHERE account_id = $1 AND kind = $2 AND created_at >= $3`

	var total int64
	if err := tx.QueryRow(ctx, query, accountID, kind, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum debits: %w", err)
	}
	return total, nil
}

// ReversalExists reports whether a payout_reversal entry referencing the
// payout is already committed.
func (r *LedgerRepo) ReversalExists(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM ledger_entries
		WHERE kind = 'payout_reversal' AND context -> 'payout' ->> 'payout_id' = $1)`

	var exists bool
	if err := tx.QueryRow(ctx, query, payoutID.String()).Scan(&exists); err != nil {
		return false, fmt.Errorf("check reversal exists: %w", err)
	}
	return exists, nil
}
